package config_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/meterkit/pkg/config"
)

type sampleConfig struct {
	Name    string `env:"MK_TEST_NAME" envDefault:"meterd"`
	Workers int    `env:"MK_TEST_WORKERS" envDefault:"4"`
}

type requiredConfig struct {
	Secret string `env:"MK_TEST_SECRET,required"`
}

type validatedConfig struct {
	Limit int `env:"MK_TEST_LIMIT" envDefault:"0"`
}

func (c *validatedConfig) Validate() error {
	if c.Limit <= 0 {
		return errors.New("limit must be positive")
	}
	return nil
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		config.Reset()
		var cfg sampleConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "meterd", cfg.Name)
		assert.Equal(t, 4, cfg.Workers)
	})

	t.Run("cached after first load", func(t *testing.T) {
		config.Reset()
		t.Setenv("MK_TEST_NAME", "first")
		var a sampleConfig
		require.NoError(t, config.Load(&a))

		t.Setenv("MK_TEST_NAME", "second")
		var b sampleConfig
		require.NoError(t, config.Load(&b))
		assert.Equal(t, "first", b.Name)
	})

	t.Run("missing required", func(t *testing.T) {
		config.Reset()
		var cfg requiredConfig
		err := config.Load(&cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})

	t.Run("validation failure", func(t *testing.T) {
		config.Reset()
		var cfg validatedConfig
		err := config.Load(&cfg)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("nil pointer", func(t *testing.T) {
		assert.ErrorIs(t, config.Load[sampleConfig](nil), config.ErrNilPointer)
	})

	t.Run("concurrent loads agree", func(t *testing.T) {
		config.Reset()
		t.Setenv("MK_TEST_WORKERS", "9")
		var wg sync.WaitGroup
		results := make([]int, 16)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var cfg sampleConfig
				if err := config.Load(&cfg); err == nil {
					results[i] = cfg.Workers
				}
			}(i)
		}
		wg.Wait()
		for _, r := range results {
			assert.Equal(t, 9, r)
		}
	})
}

func TestMustLoad(t *testing.T) {
	config.Reset()
	assert.Panics(t, func() {
		var cfg requiredConfig
		config.MustLoad(&cfg)
	})
}

func TestParse(t *testing.T) {
	t.Setenv("MK_TEST_LIMIT", "5")
	var cfg validatedConfig
	got, err := config.Parse(&cfg)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Limit)
}
