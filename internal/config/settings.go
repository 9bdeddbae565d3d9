package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// ErrUnknownKey is returned for options that a section does not define
var ErrUnknownKey = errors.New("unknown config key")

// KV persists runtime settings. Get returns "" for absent keys.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	GetPrefix(ctx context.Context, prefix string) (map[string]string, error)
}

// UnknownKeyError names the offending key
type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("key %q not found in config", e.Key)
}

func (e *UnknownKeyError) Unwrap() error {
	return ErrUnknownKey
}

// Settings holds the runtime-tunable options of one config section as
// flattened dotted keys. Values set at runtime are written through to the
// KV store under prefix and survive restarts via Load.
type Settings struct {
	mu       sync.RWMutex
	prefix   string
	store    KV
	defaults map[string]string
	types    map[string]reflect.Type
	values   map[string]string
}

// NewSettings creates settings whose keys and defaults come from the typed
// section. store may be nil to keep settings in memory only.
func NewSettings(prefix string, section interface{}, store KV) *Settings {
	defaults, types := flattenTyped(section)
	values := make(map[string]string, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return &Settings{
		prefix:   prefix,
		store:    store,
		defaults: defaults,
		types:    types,
		values:   values,
	}
}

// Keys returns every option key in sorted order
func (s *Settings) Keys() []string {
	return sortedKeys(s.defaults)
}

// Get returns the current value of key
func (s *Settings) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return "", &UnknownKeyError{Key: key}
	}
	return v, nil
}

// GetBool returns key as a boolean. "0", "" and "false" are false.
func (s *Settings) GetBool(key string) (bool, error) {
	v, err := s.Get(key)
	if err != nil {
		return false, err
	}
	return parseBool(v), nil
}

// Set validates value against the option type, stores it and persists it
func (s *Settings) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.types[key]
	if !ok {
		return &UnknownKeyError{Key: key}
	}
	normalized, err := normalize(t, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return s.write(ctx, key, normalized)
}

// Reset restores the default of key and persists it
func (s *Settings) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.defaults[key]
	if !ok {
		return &UnknownKeyError{Key: key}
	}
	return s.write(ctx, key, def)
}

// Enable sets a boolean option to true
func (s *Settings) Enable(ctx context.Context, key string) error {
	return s.Set(ctx, key, "1")
}

// Disable sets a boolean option to false
func (s *Settings) Disable(ctx context.Context, key string) error {
	return s.Set(ctx, key, "0")
}

// Init persists the default of every option not yet present in the store
func (s *Settings) Init(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.store.GetPrefix(ctx, s.prefix)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	for _, key := range sortedKeys(s.defaults) {
		if _, ok := stored[s.prefix+key]; ok {
			continue
		}
		if err := s.store.Put(ctx, s.prefix+key, s.defaults[key]); err != nil {
			return fmt.Errorf("failed to persist %s: %w", key, err)
		}
	}
	return nil
}

// Load replaces the current values with the persisted ones. Keys absent
// from the store fall back to defaults; stored keys the section no longer
// defines are ignored.
func (s *Settings) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	stored, err := s.store.GetPrefix(ctx, s.prefix)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	values := make(map[string]string, len(s.defaults))
	for key, def := range s.defaults {
		values[key] = def
	}
	for full, raw := range stored {
		key := strings.TrimPrefix(full, s.prefix)
		t, ok := s.types[key]
		if !ok {
			continue
		}
		v, err := normalize(t, raw)
		if err != nil {
			return fmt.Errorf("invalid stored value for %s: %w", key, err)
		}
		values[key] = v
	}
	s.values = values
	return nil
}

// Dump returns the current values as a nested tree with typed leaves
func (s *Settings) Dump() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]interface{})
	for key, raw := range s.values {
		path := strings.Split(key, ".")
		ptr := result
		for _, k := range path[:len(path)-1] {
			next, ok := ptr[k].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				ptr[k] = next
			}
			ptr = next
		}
		ptr[path[len(path)-1]] = typedValue(s.types[key], raw)
	}
	return result
}

// Decode unmarshals the current values into out, which must point to the
// typed section the settings were created from
func (s *Settings) Decode(out interface{}) error {
	s.mu.RLock()
	v := viper.New()
	for key, value := range s.values {
		v.Set(key, value)
	}
	s.mu.RUnlock()

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	return nil
}

func (s *Settings) write(ctx context.Context, key, value string) error {
	if s.store != nil {
		if err := s.store.Put(ctx, s.prefix+key, value); err != nil {
			return fmt.Errorf("failed to persist %s: %w", key, err)
		}
	}
	s.values[key] = value
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "0", "", "false":
		return false
	default:
		return true
	}
}

func normalize(t reflect.Type, value string) (string, error) {
	if t == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return "", err
		}
		return d.String(), nil
	}

	switch t.Kind() {
	case reflect.Bool:
		if parseBool(value) {
			return "1", nil
		}
		return "0", nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, t.Bits())
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	default:
		return value, nil
	}
}

func typedValue(t reflect.Type, raw string) interface{} {
	if t == nil || t == durationType {
		return raw
	}
	switch t.Kind() {
	case reflect.Bool:
		return parseBool(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, _ := strconv.ParseInt(raw, 10, 64)
		return n
	case reflect.Float32, reflect.Float64:
		f, _ := strconv.ParseFloat(raw, 64)
		return f
	default:
		return raw
	}
}
