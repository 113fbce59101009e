package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Inclusivity controls whether a bucket's upper bound belongs to it.
type Inclusivity string

const (
	// HalfOpen buckets cover [Min, Max).
	HalfOpen Inclusivity = "half-open"
	// Closed buckets cover [Min, Max].
	Closed Inclusivity = "closed"
)

// Bucket is a contiguous lead-time range in whole hours.
type Bucket struct {
	Name string
	Min  int
	Max  int
}

// BucketSet is an ordered, validated set of lead-time buckets.
type BucketSet struct {
	Buckets     []Bucket
	Inclusivity Inclusivity
}

// ParseBuckets reads a list like "0-24,24-48,48-72". Each bucket is named
// after its range.
func ParseBuckets(spec string, incl Inclusivity) (BucketSet, error) {
	set := BucketSet{Inclusivity: incl}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, ok := strings.Cut(part, "-")
		if !ok {
			return BucketSet{}, fmt.Errorf("bucket %q: expected min-max", part)
		}
		from, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return BucketSet{}, fmt.Errorf("bucket %q: min: %w", part, err)
		}
		to, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return BucketSet{}, fmt.Errorf("bucket %q: max: %w", part, err)
		}
		set.Buckets = append(set.Buckets, Bucket{Name: fmt.Sprintf("%d-%d", from, to), Min: from, Max: to})
	}
	if err := set.Validate(); err != nil {
		return BucketSet{}, err
	}
	return set, nil
}

// Validate checks that every bucket is well formed and that no lead hour can
// fall in two buckets.
func (s BucketSet) Validate() error {
	switch s.Inclusivity {
	case HalfOpen, Closed:
	default:
		return fmt.Errorf("unknown bucket inclusivity %q", s.Inclusivity)
	}
	if len(s.Buckets) == 0 {
		return fmt.Errorf("no buckets configured")
	}

	names := make(map[string]bool, len(s.Buckets))
	sorted := make([]Bucket, len(s.Buckets))
	copy(sorted, s.Buckets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })

	for i, b := range sorted {
		if b.Min < 0 {
			return fmt.Errorf("bucket %s: negative lead time", b.Name)
		}
		if b.Max < b.Min || (s.Inclusivity == HalfOpen && b.Max == b.Min) {
			return fmt.Errorf("bucket %s: empty range", b.Name)
		}
		if names[b.Name] {
			return fmt.Errorf("bucket %s: duplicate name", b.Name)
		}
		names[b.Name] = true
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		overlap := b.Min < prev.Max
		if s.Inclusivity == Closed {
			overlap = b.Min <= prev.Max
		}
		if overlap {
			return fmt.Errorf("buckets %s and %s overlap under %s bounds", prev.Name, b.Name, s.Inclusivity)
		}
	}
	return nil
}

// Contains reports whether lead falls inside b under incl.
func (b Bucket) Contains(lead int, incl Inclusivity) bool {
	if lead < b.Min {
		return false
	}
	if incl == Closed {
		return lead <= b.Max
	}
	return lead < b.Max
}

// Classify returns the bucket holding lead, if any.
func (s BucketSet) Classify(lead int) (Bucket, bool) {
	for _, b := range s.Buckets {
		if b.Contains(lead, s.Inclusivity) {
			return b, true
		}
	}
	return Bucket{}, false
}

// Lookup finds a bucket by name.
func (s BucketSet) Lookup(name string) (Bucket, bool) {
	for _, b := range s.Buckets {
		if b.Name == name {
			return b, true
		}
	}
	return Bucket{}, false
}

// LeadRange returns the inclusive integer lead-hour range covered by b.
func (s BucketSet) LeadRange(b Bucket) (int, int) {
	if s.Inclusivity == Closed {
		return b.Min, b.Max
	}
	return b.Min, b.Max - 1
}

// Fingerprint identifies the configuration. Rollups computed under a
// different fingerprint are stale.
func (s BucketSet) Fingerprint() string {
	var sb strings.Builder
	sb.WriteString(string(s.Inclusivity))
	for _, b := range s.Buckets {
		fmt.Fprintf(&sb, "|%s:%d:%d", b.Name, b.Min, b.Max)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:8])
}

// Names lists bucket names in configured order.
func (s BucketSet) Names() []string {
	out := make([]string, len(s.Buckets))
	for i, b := range s.Buckets {
		out[i] = b.Name
	}
	return out
}
