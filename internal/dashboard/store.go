package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultStoreKey is where the last known-good dashboard mirror lives.
const defaultStoreKey = "pmcs:dashboard:last_good"

// PersistedSection is one section's last known-good payload.
type PersistedSection struct {
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func newPersistedSection(data any, updatedAt time.Time) (PersistedSection, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return PersistedSection{}, err
	}
	return PersistedSection{Data: raw, UpdatedAt: updatedAt}, nil
}

func (p PersistedSection) decode(dst any) error {
	return json.Unmarshal(p.Data, dst)
}

// PersistedSections is the Redis-mirrored shape of the aggregator's data.
type PersistedSections struct {
	Sections map[string]PersistedSection `json:"sections"`
	SavedAt  time.Time                   `json:"saved_at"`
}

// Store mirrors the dashboard's last known-good sections in Redis so a
// restarted gateway can serve stale-but-present data immediately. A nil
// client degrades to a no-op.
type Store struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
}

// Load reads the persisted mirror. It reports whether the key existed.
func (s *Store) Load(ctx context.Context) (PersistedSections, bool, error) {
	var out PersistedSections
	if s == nil || s.Client == nil {
		return out, false, nil
	}
	data, err := s.Client.Get(ctx, s.key()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return out, false, nil
		}
		return out, false, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

// Save serialises the mirror and stores it with the configured TTL.
func (s *Store) Save(ctx context.Context, sections PersistedSections) error {
	if s == nil || s.Client == nil {
		return nil
	}
	sections.SavedAt = time.Now()
	data, err := json.Marshal(sections)
	if err != nil {
		return err
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return s.Client.Set(ctx, s.key(), data, ttl).Err()
}

func (s *Store) key() string {
	if s.Key != "" {
		return s.Key
	}
	return defaultStoreKey
}
