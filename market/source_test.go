package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilities(t *testing.T) {
	c := CapLive | CapShock
	assert.True(t, c.Has(CapLive))
	assert.False(t, c.Has(CapLive|CapHistory))
	assert.Equal(t, "live|shock", c.String())
	assert.Equal(t, "none", Capabilities(0).String())
}

func TestBrokerUnimplemented(t *testing.T) {
	src, err := NewSource(SourceConfig{Provider: "broker", BrokerAPIKey: "k", BrokerAPISecret: "s"})
	require.NoError(t, err)
	assert.Equal(t, Capabilities(0), src.Capabilities())

	_, ok := AsStreamer(src)
	assert.False(t, ok)
	_, ok = AsHistorical(src)
	assert.False(t, ok)
	_, ok = AsShocker(src)
	assert.False(t, ok)

	b := src.(*BrokerSource)
	_, err = b.StreamTicks(context.Background(), []string{"BRN"})
	assert.True(t, errors.Is(err, ErrUnimplemented))
	var ue *UnimplementedError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "StreamTicks", ue.Op)

	_, err = b.HistoricalDay(context.Background(), time.Now(), nil)
	assert.ErrorIs(t, err, ErrUnimplemented)
	_, err = b.SurfaceAt(time.Now(), "BRN")
	assert.ErrorIs(t, err, ErrUnimplemented)
}

func TestNewSourceConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  SourceConfig
	}{
		{"broker without credentials", SourceConfig{Provider: "broker"}},
		{"history without store", SourceConfig{Provider: "history"}},
		{"history without capability", SourceConfig{Provider: "history", History: &BrokerSource{}}},
		{"unknown provider", SourceConfig{Provider: "bloomberg"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSource(tc.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
			var ce *ConfigError
			assert.True(t, errors.As(err, &ce))
		})
	}
}

func TestNewSourceSynthetic(t *testing.T) {
	seed := int64(1)
	src, err := NewSource(SourceConfig{Seed: &seed, BasePrice: 100})
	require.NoError(t, err)
	assert.Equal(t, "synthetic", src.Name())
	sh, ok := AsShocker(src)
	require.True(t, ok)
	res := sh.ApplyShock(0, 0)
	assert.Equal(t, 100.0, res.OldPrice)

	hist, err := NewSource(SourceConfig{Provider: "history", History: src})
	require.NoError(t, err)
	_, ok = AsHistorical(hist)
	assert.True(t, ok)
}
