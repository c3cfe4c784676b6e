package cache

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"eduos/blockdev"
	"eduos/metrics"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func newTestCache(t *testing.T, nsectors int) (*Cache, *blockdev.Device) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fs.img")
	dev, err := blockdev.Create(path, nsectors, testLog())
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return New(dev, testLog(), metrics.New()), dev
}

func TestReadWriteSubrange(t *testing.T) {
	c, _ := newTestCache(t, 8)
	require.NoError(t, c.Write(2, []byte("hello"), 10, 5))

	dst := make([]byte, 5)
	require.NoError(t, c.Read(2, dst, 10, 5))
	require.Equal(t, "hello", string(dst))
}

func TestAtMostOneEntryPerSector(t *testing.T) {
	c, _ := newTestCache(t, NumSlots+8)
	// Fill every slot, one per distinct sector.
	for s := 0; s < NumSlots; s++ {
		require.NoError(t, c.Write(s, []byte{byte(s)}, 0, 1))
	}
	seen := make(map[int]int)
	for i := range c.slot {
		if c.slot[i].valid {
			seen[c.slot[i].sector]++
		}
	}
	for sector, n := range seen {
		require.Equalf(t, 1, n, "sector %d cached in %d slots", sector, n)
	}
}

func TestEvictionWritesBackDirtySlot(t *testing.T) {
	c, dev := newTestCache(t, NumSlots+4)
	// Dirty every slot, then force one more miss to trigger clock eviction.
	for s := 0; s < NumSlots; s++ {
		require.NoError(t, c.Write(s, []byte{0xFF}, 0, 1))
	}
	require.NoError(t, c.Write(NumSlots, []byte{0xEE}, 0, 1))

	// Whichever sector got evicted must have its write durably on disk,
	// readable directly from the device, bypassing the cache.
	evictedSector := -1
	for s := 0; s < NumSlots; s++ {
		if c.lookup(s) < 0 {
			evictedSector = s
			break
		}
	}
	require.NotEqual(t, -1, evictedSector, "expected exactly one sector evicted")
	raw := make([]byte, blockdev.SectorSize)
	require.NoError(t, dev.ReadSector(evictedSector, raw))
	require.Equal(t, byte(0xFF), raw[0])
}

func TestShutdownFlushesAllDirtySlots(t *testing.T) {
	c, dev := newTestCache(t, 8)
	for s := 0; s < 5; s++ {
		require.NoError(t, c.Write(s, []byte{byte(s + 1)}, 0, 1))
	}
	require.NoError(t, c.Shutdown(context.Background()))

	for s := 0; s < 5; s++ {
		raw := make([]byte, blockdev.SectorSize)
		require.NoError(t, dev.ReadSector(s, raw))
		require.Equal(t, byte(s+1), raw[0])
	}
}
