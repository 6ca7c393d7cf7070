package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/radovskyb/watcher"
)

// Provider hands out the current settings. Callers ask for a fresh snapshot
// each time they need one instead of holding on to a copy.
type Provider interface {
	Current() Settings
}

type fixed Settings

func (f fixed) Current() Settings {
	return Settings(f).clone()
}

// Fixed returns a Provider that always yields s.
func Fixed(s Settings) Provider {
	return fixed(s.clone())
}

// mtimeSlack covers filesystems with coarse modification times. Until a read
// happens this long after the recorded mtime, the content is compared too.
const mtimeSlack = 2 * time.Second

// Store is a Provider backed by a JSON file. Current re-reads the file only
// when its modification time or size changed since the last read, or when
// an edit could still hide behind an unchanged mtime.
type Store struct {
	path string

	mu       sync.Mutex
	current  Settings
	seen     bool
	modTime  time.Time
	size     int64
	sum      [sha256.Size]byte
	hashedAt time.Time
	version  uint64
	external uint64
}

// NewStore opens the settings file at path, creating it with defaults if it
// does not exist.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating settings dir: %w", err)
	}
	s := &Store{
		path:    path,
		current: DefaultSettings(),
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Infof("no settings file at %s, creating with defaults", path)
		if err := s.write(DefaultSettings()); err != nil {
			return nil, err
		}
		return s, nil
	}
	s.mu.Lock()
	s.refresh()
	s.mu.Unlock()
	return s, nil
}

// Path returns the settings file location.
func (s *Store) Path() string {
	return s.path
}

// Version increments every time the snapshot is replaced.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Current returns the latest settings, reloading the file if it changed.
func (s *Store) Current() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh()
	return s.current.clone()
}

// Save validates settings and replaces the settings file.
func (s *Store) Save(settings Settings) error {
	settings.Endpoints = SplitEndpoints(strings.Join(settings.Endpoints, ","))
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.write(settings)
}

// edits counts snapshots that came from the file rather than from Save.
func (s *Store) edits() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.external
}

// refresh must be called with mu held.
func (s *Store) refresh() bool {
	fi, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warnf("settings file %s disappeared, recreating with current values", s.path)
		if err := s.writeLocked(s.current); err != nil {
			log.Errorf("recreating settings file: %v", err)
		}
		return false
	}
	if err != nil {
		log.Errorf("checking settings file: %v", err)
		return false
	}
	unchanged := s.seen && fi.ModTime().Equal(s.modTime) && fi.Size() == s.size
	if unchanged && s.hashedAt.Sub(s.modTime) >= mtimeSlack {
		return false
	}

	now := time.Now()
	data, err := os.ReadFile(s.path)
	if err != nil {
		log.Errorf("reading settings file: %v", err)
		return false
	}
	sum := sha256.Sum256(data)
	if unchanged && bytes.Equal(sum[:], s.sum[:]) {
		s.hashedAt = now
		return false
	}
	// Remember what we looked at so a broken file is reported once, not on
	// every call.
	s.seen, s.modTime, s.size = true, fi.ModTime(), fi.Size()
	s.sum, s.hashedAt = sum, now

	settings, err := Decode(data)
	if err != nil {
		if errors.Is(err, ErrInvalidDocument) {
			log.Errorf("settings file is not valid JSON, keeping previous settings: %v", err)
			return false
		}
		log.Errorf("settings file has invalid values, using defaults for them: %v", err)
	}
	s.current = settings
	s.version++
	s.external++
	log.Infof("loaded settings: interval=%dm retention=%dd temp=[%.1f,%.1f] volt_min=%.2f endpoints=%d",
		settings.PollIntervalMinutes, settings.RetentionDays, settings.TempMin, settings.TempMax,
		settings.VoltMin, len(settings.Endpoints))
	return true
}

func (s *Store) write(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(settings)
}

func (s *Store) writeLocked(settings Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp settings file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		log.Warnf("setting settings file mode: %v", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing settings file: %w", err)
	}

	fi, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("checking saved settings: %w", err)
	}
	s.seen, s.modTime, s.size = true, fi.ModTime(), fi.Size()
	s.sum, s.hashedAt = sha256.Sum256(data), time.Now()
	s.current = settings.clone()
	s.version++
	log.Infof("settings saved to %s", s.path)
	return nil
}

// Watch polls the settings directory every interval and calls onChange when
// the file was edited by something other than Save. It returns once the
// watcher is running; cancel ctx to stop it.
func (s *Store) Watch(ctx context.Context, interval time.Duration, onChange func(old, cur Settings)) error {
	w := watcher.New()
	w.FilterOps(watcher.Create, watcher.Write, watcher.Rename, watcher.Move)
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watching settings dir: %w", err)
	}

	last, lastEdits := s.Current(), s.edits()
	go func() {
		for {
			select {
			case <-w.Event:
				cur := s.Current()
				if e := s.edits(); e != lastEdits {
					lastEdits = e
					if onChange != nil {
						onChange(last, cur)
					}
				}
				last = cur
			case err := <-w.Error:
				log.Errorf("settings watcher: %v", err)
			case <-w.Closed:
				return
			case <-ctx.Done():
				w.Close()
				return
			}
		}
	}()
	go func() {
		if err := w.Start(interval); err != nil {
			log.Errorf("starting settings watcher: %v", err)
		}
	}()
	return nil
}
