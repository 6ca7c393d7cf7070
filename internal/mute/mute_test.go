package mute

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func stores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	bs, err := NewBoltStore(filepath.Join(dir, "mutes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })

	return map[string]Store{
		"file": NewFileStore(filepath.Join(dir, "mutes.json")),
		"bolt": bs,
	}
}

func TestRegistry(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
			r := NewRegistry(store, WithClock(clock.Now))

			assert.False(t, r.IsMuted(1))

			require.True(t, r.Set(1, 10))
			assert.True(t, r.IsMuted(1))
			assert.False(t, r.IsMuted(2))

			e, ok := r.Status(1)
			require.True(t, ok)
			assert.Equal(t, int64(1_700_000_000_000), e.MutedAt)
			assert.Equal(t, int64(1_700_000_600_000), e.MuteUntil)
			assert.Equal(t, 10, e.DurationMinutes)

			// Boundary: at exactly mute_until the mute has expired.
			clock.Advance(10*time.Minute - time.Millisecond)
			assert.True(t, r.IsMuted(1))
			clock.Advance(time.Millisecond)
			assert.False(t, r.IsMuted(1))

			_, found, err := store.Get(1)
			require.NoError(t, err)
			assert.False(t, found, "expired entry should be removed from storage")
		})
	}
}

func TestRegistrySetOverwrites(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: time.UnixMilli(0).Add(time.Hour)}
			r := NewRegistry(store, WithClock(clock.Now))

			require.True(t, r.Set(7, 60))
			clock.Advance(time.Minute)
			require.True(t, r.Set(7, 5))

			e, ok := r.Status(7)
			require.True(t, ok)
			assert.Equal(t, 5, e.DurationMinutes)
			assert.Equal(t, clock.Now().UnixMilli()+5*60_000, e.MuteUntil)
		})
	}
}

func TestRegistryClear(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			r := NewRegistry(store)

			assert.True(t, r.Clear(3), "clearing an unmuted miner succeeds")
			require.True(t, r.Set(3, 30))
			assert.True(t, r.Clear(3))
			assert.False(t, r.IsMuted(3))
			assert.True(t, r.Clear(3))
		})
	}
}

func TestRegistryRejectsNonPositive(t *testing.T) {
	r := NewRegistry(NewFileStore(filepath.Join(t.TempDir(), "mutes.json")))
	assert.False(t, r.Set(1, 0))
	assert.False(t, r.Set(1, -5))
	assert.False(t, r.IsMuted(1))
}

func TestRegistryList(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: time.UnixMilli(1_000_000)}
			r := NewRegistry(store, WithClock(clock.Now))

			require.True(t, r.Set(1, 1))
			require.True(t, r.Set(2, 60))
			clock.Advance(2 * time.Minute)

			active := r.List()
			assert.Len(t, active, 1)
			assert.Contains(t, active, int64(2))

			all, err := store.List()
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestFileStoreDocumentFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutes.json")
	s := NewFileStore(path)

	require.NoError(t, s.Put(42, Entry{MuteUntil: 2000, MutedAt: 1000, DurationMinutes: 1}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]map[string]map[string]int64
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, map[string]int64{
		"mute_until":       2000,
		"muted_at":         1000,
		"duration_minutes": 1,
	}, raw["miners"]["42"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutes.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	r := NewRegistry(NewFileStore(path))
	assert.False(t, r.IsMuted(1), "a corrupt store reads as not muted")
	assert.False(t, r.Set(1, 5))
}
