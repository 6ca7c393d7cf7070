// Package mute keeps per-miner, time-boxed alert suppression windows.
package mute

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("mute")

// Entry is a single mute window. Times are epoch milliseconds.
type Entry struct {
	MuteUntil       int64 `json:"mute_until"`
	MutedAt         int64 `json:"muted_at"`
	DurationMinutes int   `json:"duration_minutes"`
}

// Until returns the expiry as a time.Time.
func (e Entry) Until() time.Time {
	return time.UnixMilli(e.MuteUntil)
}

// Store persists mute entries keyed by miner id.
type Store interface {
	Get(minerID int64) (Entry, bool, error)
	Put(minerID int64, e Entry) error
	Delete(minerID int64) error
	List() (map[int64]Entry, error)
}

// Registry answers whether a miner is muted. Storage errors are logged and
// never returned: a broken store means "not muted".
type Registry struct {
	store Store
	now   func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry returns a Registry backed by store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsMuted reports whether minerID has an active mute. An expired entry is
// deleted before returning false.
func (r *Registry) IsMuted(minerID int64) bool {
	_, ok := r.Status(minerID)
	return ok
}

// Status returns the active mute entry for minerID, if any.
func (r *Registry) Status(minerID int64) (Entry, bool) {
	e, ok, err := r.store.Get(minerID)
	if err != nil {
		log.Errorf("reading mute for miner %d: %v", minerID, err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	if r.now().UnixMilli() >= e.MuteUntil {
		if err := r.store.Delete(minerID); err != nil {
			log.Errorf("removing expired mute for miner %d: %v", minerID, err)
		} else {
			log.Debugf("mute for miner %d expired", minerID)
		}
		return Entry{}, false
	}
	return e, true
}

// Set mutes minerID for the given number of minutes, replacing any existing
// mute. It returns false if minutes is not positive or the write fails.
func (r *Registry) Set(minerID int64, minutes int) bool {
	if minutes <= 0 {
		log.Warnf("refusing to mute miner %d for %d minutes", minerID, minutes)
		return false
	}
	now := r.now().UnixMilli()
	e := Entry{
		MuteUntil:       now + int64(minutes)*60_000,
		MutedAt:         now,
		DurationMinutes: minutes,
	}
	if err := r.store.Put(minerID, e); err != nil {
		log.Errorf("muting miner %d: %v", minerID, err)
		return false
	}
	log.Infof("miner %d muted for %d minutes", minerID, minutes)
	return true
}

// Clear removes any mute for minerID. Clearing a miner that is not muted
// succeeds.
func (r *Registry) Clear(minerID int64) bool {
	if err := r.store.Delete(minerID); err != nil {
		log.Errorf("clearing mute for miner %d: %v", minerID, err)
		return false
	}
	return true
}

// List returns every active mute, pruning expired ones.
func (r *Registry) List() map[int64]Entry {
	all, err := r.store.List()
	if err != nil {
		log.Errorf("listing mutes: %v", err)
		return map[int64]Entry{}
	}
	now := r.now().UnixMilli()
	active := make(map[int64]Entry, len(all))
	for id, e := range all {
		if now >= e.MuteUntil {
			if err := r.store.Delete(id); err != nil {
				log.Errorf("removing expired mute for miner %d: %v", id, err)
			}
			continue
		}
		active[id] = e
	}
	return active
}
