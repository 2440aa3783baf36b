package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stocktrader/engine/internal/model"
)

type fakeRegistry struct {
	items []model.Instrument
	fail  error
}

func (r *fakeRegistry) Instruments() []model.Instrument { return r.items }

func (r *fakeRegistry) Add(_ context.Context, inst model.Instrument) error {
	if r.fail != nil {
		return r.fail
	}
	r.items = append(r.items, inst)
	return nil
}

func TestValidateSymbol(t *testing.T) {
	tests := []struct {
		symbol string
		ok     bool
	}{
		{"AAPL", true},
		{"BRK.B", true},
		{"X", true},
		{"GOOGL2", true},
		{"", false},
		{"aapl", false},
		{"1ABC", false},
		{"TOOLONGSYMB", false},
		{"AA PL", false},
	}
	for _, tt := range tests {
		err := ValidateSymbol(tt.symbol)
		if tt.ok {
			assert.NoError(t, err, tt.symbol)
		} else {
			assert.ErrorIs(t, err, ErrInvalidSymbol, tt.symbol)
		}
	}
}

func TestDefault_IsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Len(t, c.Instruments, 5)
}

func TestParse(t *testing.T) {
	data := []byte(`
instruments:
  - symbol: NVDA
    name: NVIDIA Corporation
    price: "450.25"
  - symbol: AMD
    name: Advanced Micro Devices
    price: 120.5
`)
	c, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, c.Instruments, 2)
	assert.Equal(t, "NVDA", c.Instruments[0].Symbol)
	assert.Equal(t, "450.25", c.Instruments[0].Price.String())
	assert.Equal(t, "120.5", c.Instruments[1].Price.String())
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]struct {
		yaml string
		want error
	}{
		"bad symbol": {`instruments: [{symbol: "nvda", name: N, price: "1"}]`, ErrInvalidSymbol},
		"no name":    {`instruments: [{symbol: NVDA, name: "", price: "1"}]`, ErrInvalidName},
		"low price":  {`instruments: [{symbol: NVDA, name: N, price: "0.001"}]`, ErrInvalidPrice},
		"duplicate":  {`instruments: [{symbol: NVDA, name: N, price: "1"}, {symbol: NVDA, name: M, price: "2"}]`, ErrDuplicate},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instruments:\n  - {symbol: IBM, name: IBM, price: \"140\"}\n"), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "IBM", c.Instruments[0].Symbol)

	_, err = LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestBootstrap_EmptyRegistry(t *testing.T) {
	reg := &fakeRegistry{}
	n, err := Bootstrap(context.Background(), reg, Default(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Len(t, reg.items, 5)

	for _, inst := range reg.items {
		assert.NotEmpty(t, inst.ID)
		assert.True(t, inst.CurrentPrice.Equal(inst.PreviousPrice))
		assert.False(t, inst.LastUpdated.IsZero())
	}
}

func TestBootstrap_SkipsPopulatedRegistry(t *testing.T) {
	reg := &fakeRegistry{items: []model.Instrument{{ID: "x", Symbol: "AAPL"}}}
	n, err := Bootstrap(context.Background(), reg, Default(), zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, reg.items, 1)
}

func TestBootstrap_PropagatesAddError(t *testing.T) {
	boom := errors.New("boom")
	reg := &fakeRegistry{fail: boom}
	_, err := Bootstrap(context.Background(), reg, Default(), zap.NewNop())
	assert.ErrorIs(t, err, boom)
}
