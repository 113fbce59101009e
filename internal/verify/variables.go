package verify

// Kind selects the error semantics applied to a variable.
type Kind int

const (
	KindScalar Kind = iota
	KindAngle
	KindVector
	KindBrier
	KindOccurrence
	KindAmount
)

// Variable is one entry in the verification catalogue.
type Variable struct {
	Name string
	Kind Kind
	// MinMAE floors the composite normalisation denominator so that variables
	// every model gets nearly right cannot dominate the score.
	MinMAE float64
	// OutlierExempt variables keep records whose absolute error exceeds the
	// outlier ceiling, because their native scale legitimately reaches it.
	OutlierExempt bool
	// Percent enables percentage error against the observed value.
	Percent bool
}

const (
	VarTemperature        = "temperature"
	VarDewpoint           = "dewpoint"
	VarWindSpeed          = "wind_speed"
	VarWindGust           = "wind_gust"
	VarWindDirection      = "wind_direction"
	VarWindVector         = "wind_vector"
	VarPressure           = "pressure"
	VarVisibility         = "visibility"
	VarPrecipProbability  = "precipitation_probability"
	VarRainOccurrence     = "rain_occurrence"
	VarSnowOccurrence     = "snow_occurrence"
	VarFreezingOccurrence = "freezing_rain_occurrence"
	VarRainAmount         = "rain_amount"
	VarSnowAmount         = "snow_amount"
	VarFreezingAmount     = "freezing_rain_amount"

	// VarComposite names the overall ranking in leaderboard views.
	VarComposite = "composite"
)

// Catalogue is the fixed, ordered set of verified variables.
var Catalogue = []Variable{
	{Name: VarTemperature, Kind: KindScalar, MinMAE: 0.5},
	{Name: VarDewpoint, Kind: KindScalar, MinMAE: 0.5},
	{Name: VarWindSpeed, Kind: KindScalar, MinMAE: 1.5, Percent: true},
	{Name: VarWindGust, Kind: KindScalar, MinMAE: 2.0, Percent: true},
	{Name: VarWindDirection, Kind: KindAngle, MinMAE: 10, OutlierExempt: true},
	{Name: VarWindVector, Kind: KindVector, MinMAE: 2.0},
	{Name: VarPressure, Kind: KindScalar, MinMAE: 0.5, OutlierExempt: true},
	{Name: VarVisibility, Kind: KindScalar, MinMAE: 500, OutlierExempt: true, Percent: true},
	{Name: VarPrecipProbability, Kind: KindBrier, MinMAE: 0.02, OutlierExempt: true},
	{Name: VarRainOccurrence, Kind: KindOccurrence, MinMAE: 0.02, OutlierExempt: true},
	{Name: VarSnowOccurrence, Kind: KindOccurrence, MinMAE: 0.02, OutlierExempt: true},
	{Name: VarFreezingOccurrence, Kind: KindOccurrence, MinMAE: 0.02, OutlierExempt: true},
	{Name: VarRainAmount, Kind: KindAmount, MinMAE: 0.1},
	{Name: VarSnowAmount, Kind: KindAmount, MinMAE: 0.1},
	{Name: VarFreezingAmount, Kind: KindAmount, MinMAE: 0.1},
}

var catalogueIndex = func() map[string]Variable {
	m := make(map[string]Variable, len(Catalogue))
	for _, v := range Catalogue {
		m[v.Name] = v
	}
	return m
}()

// Lookup returns the catalogue entry for name.
func Lookup(name string) (Variable, bool) {
	v, ok := catalogueIndex[name]
	return v, ok
}
