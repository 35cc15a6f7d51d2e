package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	for _, mode := range []string{"production", "development", ""} {
		l, err := New(mode)
		require.NoError(t, err, mode)
		require.NotNil(t, l)
	}
}

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{sugar: zap.New(core).Sugar()}

	l.With("coupon", "TEST-0001").Warn("库存计数器被截断", "total", 10)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "TEST-0001", fields["coupon"])
	assert.EqualValues(t, 10, fields["total"])
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
}
