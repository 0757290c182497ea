// Package config loads typed configuration from environment variables.
//
// A .env file in the working directory is read once on first use. Each
// config struct type is parsed once and cached, so packages can call Load
// for their own Config wherever they need it without re-reading the
// environment. Types that implement Validator are validated after parsing.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	ErrParsingConfig = errors.New("failed to parse environment variables into config")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNilPointer    = errors.New("nil pointer provided to config loader")
)

// Validator is implemented by config structs that check their own invariants.
type Validator interface {
	Validate() error
}

type entry struct {
	once  sync.Once
	value any
	err   error
}

var (
	dotenvOnce sync.Once
	mu         sync.Mutex
	entries    = map[reflect.Type]*entry{}
)

// Load populates v from the environment. The first successful parse of a
// type is cached and later calls copy the cached value. A failed parse is
// cached too, so a broken environment fails consistently.
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	dotenvOnce.Do(func() {
		// A missing .env file is fine.
		_ = godotenv.Load()
	})

	e := entryFor(reflect.TypeFor[T]())
	e.once.Do(func() {
		var cfg T
		e.value, e.err = Parse(&cfg)
	})
	if e.err != nil {
		return e.err
	}
	*v = e.value.(T)
	return nil
}

// MustLoad is Load that panics on error. Use it in main.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}

// Parse reads the environment into v without caching and returns a copy.
func Parse[T any](v *T) (T, error) {
	if v == nil {
		var zero T
		return zero, ErrNilPointer
	}
	if err := env.Parse(v); err != nil {
		return *v, errors.Join(ErrParsingConfig, err)
	}
	if val, ok := any(v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return *v, errors.Join(ErrInvalidConfig, err)
		}
	}
	return *v, nil
}

// Reset drops every cached config. Intended for tests.
func Reset() {
	mu.Lock()
	entries = map[reflect.Type]*entry{}
	mu.Unlock()
}

func entryFor(t reflect.Type) *entry {
	mu.Lock()
	defer mu.Unlock()
	e, ok := entries[t]
	if !ok {
		e = &entry{}
		entries[t] = e
	}
	return e
}
