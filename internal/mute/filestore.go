package mute

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// document is the on-disk layout of a FileStore.
type document struct {
	Miners map[string]Entry `json:"miners"`
}

// FileStore keeps mutes in a single JSON document. Every write replaces the
// file atomically.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a FileStore at path. The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Get(minerID int64) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := doc.Miners[strconv.FormatInt(minerID, 10)]
	return e, ok, nil
}

func (s *FileStore) Put(minerID int64, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Miners[strconv.FormatInt(minerID, 10)] = e
	return s.write(doc)
}

func (s *FileStore) Delete(minerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	key := strconv.FormatInt(minerID, 10)
	if _, ok := doc.Miners[key]; !ok {
		return nil
	}
	delete(doc.Miners, key)
	return s.write(doc)
}

func (s *FileStore) List() (map[int64]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Entry, len(doc.Miners))
	for k, e := range doc.Miners {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			log.Warnf("ignoring mute with non-numeric miner id %q", k)
			continue
		}
		out[id] = e
	}
	return out, nil
}

func (s *FileStore) read() (*document, error) {
	doc := &document{Miners: map[string]Entry{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading mute file: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decoding mute file: %w", err)
	}
	if doc.Miners == nil {
		doc.Miners = map[string]Entry{}
	}
	return doc, nil
}

func (s *FileStore) write(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating mute dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp mute file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp mute file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing mute file: %w", err)
	}
	return nil
}
