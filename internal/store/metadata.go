package store

import (
	"database/sql"
	"strings"
	"time"
)

// Well-known metadata keys.
const (
	MetaLastFetch         = "last_fetch"
	MetaLastCycle         = "last_cycle"
	MetaLastCycleError    = "last_cycle_error"
	MetaBackfillDone      = "backfill:rollups"
	MetaBucketFingerprint = "buckets:fingerprint"
	MetaTAFText           = "taf:text"
	MetaTAFFetched        = "taf:fetched_at"
	metaUnavailablePrefix = "model_unavailable:"
)

// GetMeta returns the value for key and whether it was set.
func (s *Store) GetMeta(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.clock.Now().UTC().Unix())
	return err
}

func (s *Store) DeleteMeta(key string) error {
	_, err := s.db.Exec(`DELETE FROM metadata WHERE key = ?`, key)
	return err
}

// GetMetaTime reads an RFC 3339 timestamp stored under key.
func (s *Store) GetMetaTime(key string) (time.Time, bool, error) {
	v, ok, err := s.GetMeta(key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *Store) SetMetaTime(key string, t time.Time) error {
	return s.SetMeta(key, t.UTC().Format(time.RFC3339))
}

// SetModelUnavailable flags or clears a model whose fetch failed terminally.
// The stored value is the failure reason.
func (s *Store) SetModelUnavailable(model string, unavailable bool, reason string) error {
	if !unavailable {
		return s.DeleteMeta(metaUnavailablePrefix + model)
	}
	return s.SetMeta(metaUnavailablePrefix+model, reason)
}

// UnavailableModels maps each flagged model to its failure reason.
func (s *Store) UnavailableModels() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM metadata WHERE key LIKE ? ORDER BY key`, metaUnavailablePrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(k, metaUnavailablePrefix)] = v
	}
	return out, rows.Err()
}
