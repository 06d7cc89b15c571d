package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Store opens one structured key/value file per resource below a directory.
// Keys are dotted paths; the first segment acts as a section group.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu        sync.Mutex
	resources map[string]*Resource
}

// NewStore constructs a settings store rooted at dir.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:       dir,
		logger:    logger.With().Str("component", "settings").Logger(),
		resources: make(map[string]*Resource),
	}
}

// Resource returns the named resource, loading its file if one exists.
// Resources are cached per name, so repeated calls share state.
func (s *Store) Resource(name string) *Resource {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.resources[name]; ok {
		return r
	}

	r := &Resource{
		name:   name,
		path:   filepath.Join(s.dir, name+".yml"),
		logger: s.logger.With().Str("resource", name).Logger(),
		values: make(map[string]any),
	}
	r.load()

	s.resources[name] = r
	return r
}

// Resource is one persisted key/value namespace.
type Resource struct {
	name   string
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	values map[string]any
}

func (r *Resource) load() {
	if _, err := os.Stat(r.path); err != nil {
		return
	}

	v := viper.New()
	v.SetConfigFile(r.path)
	if err := v.ReadInConfig(); err != nil {
		r.logger.Warn().Err(err).Str("path", r.path).Msg("settings file unreadable, starting empty")
		return
	}

	for _, key := range v.AllKeys() {
		r.values[key] = v.Get(key)
	}
}

// Save writes the resource back to its file.
func (r *Resource) Save() error {
	r.mu.Lock()
	out := viper.New()
	for key, value := range r.values {
		out.Set(key, value)
	}
	r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := out.WriteConfigAs(r.path); err != nil {
		return fmt.Errorf("write settings %s: %w", r.name, err)
	}
	return nil
}

// Set stores a value under a dotted key.
func (r *Resource) Set(key string, value any) {
	r.mu.Lock()
	r.values[key] = value
	r.mu.Unlock()
}

// Unset removes a key so it is omitted from storage.
func (r *Resource) Unset(key string) {
	r.mu.Lock()
	delete(r.values, key)
	r.mu.Unlock()
}

// Has reports whether a key is present.
func (r *Resource) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.values[key]
	return ok
}

// Get returns the raw value stored under key, or nil.
func (r *Resource) Get(key string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[key]
}

// GetString returns the value cast to string.
func (r *Resource) GetString(key string) string {
	return cast.ToString(r.Get(key))
}

// GetBool returns the value cast to bool.
func (r *Resource) GetBool(key string) bool {
	return cast.ToBool(r.Get(key))
}

// GetInt returns the value cast to int.
func (r *Resource) GetInt(key string) int {
	return cast.ToInt(r.Get(key))
}

// GetFloat64 returns the value cast to float64.
func (r *Resource) GetFloat64(key string) float64 {
	return cast.ToFloat64(r.Get(key))
}

// GetTime parses the value as an RFC3339 timestamp; zero time when absent
// or malformed.
func (r *Resource) GetTime(key string) time.Time {
	raw := r.GetString(key)
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// SetTime stores a timestamp as RFC3339, removing the key for zero times.
func (r *Resource) SetTime(key string, ts time.Time) {
	if ts.IsZero() {
		r.Unset(key)
		return
	}
	r.Set(key, ts.Format(time.RFC3339))
}

// GetSlice returns the value as a generic slice, or nil.
func (r *Resource) GetSlice(key string) []any {
	value := r.Get(key)
	if value == nil {
		return nil
	}
	slice, err := cast.ToSliceE(value)
	if err != nil {
		return nil
	}
	return slice
}
