package freemap

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"eduos/blockdev"
	"eduos/cache"
	"eduos/metrics"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func newTestMap(t *testing.T, nbits int) *Map {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fs.img")
	dev, err := blockdev.Create(path, 64, testLog())
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	c := cache.New(dev, testLog(), metrics.New())
	return New(c, 0, nbits, testLog())
}

func TestAllocMarksBitUsed(t *testing.T) {
	m := newTestMap(t, 256)
	bit, err := m.Alloc()
	require.NoError(t, err)

	used, err := m.Used(bit)
	require.NoError(t, err)
	require.True(t, used)
}

func TestFreeThenReallocReusesBit(t *testing.T) {
	m := newTestMap(t, 16)
	bit, err := m.Alloc()
	require.NoError(t, err)
	require.NoError(t, m.Free(bit))

	used, err := m.Used(bit)
	require.NoError(t, err)
	require.False(t, used)
}

func TestAllocExhaustion(t *testing.T) {
	m := newTestMap(t, 4)
	for i := 0; i < 4; i++ {
		_, err := m.Alloc()
		require.NoError(t, err)
	}
	_, err := m.Alloc()
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestMarkReservesBitAtFormatTime(t *testing.T) {
	m := newTestMap(t, 16)
	require.NoError(t, m.Mark(0))
	require.NoError(t, m.Mark(1))

	used0, err := m.Used(0)
	require.NoError(t, err)
	require.True(t, used0)

	bit, err := m.Alloc()
	require.NoError(t, err)
	require.NotEqual(t, 0, bit)
	require.NotEqual(t, 1, bit)
}

func TestAllocNeverDoubleAllocates(t *testing.T) {
	m := newTestMap(t, 64)
	seen := make(map[int]bool)
	for i := 0; i < 64; i++ {
		bit, err := m.Alloc()
		require.NoError(t, err)
		require.Falsef(t, seen[bit], "bit %d allocated twice", bit)
		seen[bit] = true
	}
}
