package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type factory func() string

func TestRegistry(t *testing.T) {
	r := New[factory]("gpio")
	r.Register("mock", func() string { return "mock" }, Schema{})
	r.Register("periph", func() string { return "periph" }, Schema{})

	testCases := []struct {
		name        string
		module      string
		shouldExist bool
	}{
		{"Mock", "mock", true},
		{"Periph", "periph", true},
		{"Invalid", "pcf8574", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := r.Get(tc.module)
			if !tc.shouldExist {
				assert.ErrorIs(t, err, ErrNotFound)
				assert.Contains(t, err.Error(), `gpio module "pcf8574"`)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.module, f())
		})
	}

	assert.Equal(t, []string{"mock", "periph"}, r.List())
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := New[factory]("sensor")
	r.Register("mock", func() string { return "" }, Schema{})
	assert.Panics(t, func() { r.Register("mock", func() string { return "" }, Schema{}) })
}

type opts struct {
	Address int `yaml:"address"`
}

func TestRegistry_Schema(t *testing.T) {
	r := New[factory]("gpio")
	r.Register("pcf8574", func() string { return "" }, Schema{Module: func() any { return new(opts) }})

	schema, err := r.Schema("pcf8574")
	require.NoError(t, err)
	require.NotNil(t, schema.Module)
	assert.IsType(t, &opts{}, schema.Module())
	assert.Nil(t, schema.Input)

	_, err = r.Schema("mcp23017")
	assert.ErrorIs(t, err, ErrNotFound)
}
