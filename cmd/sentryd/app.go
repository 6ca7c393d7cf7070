package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/camarigor/bitaxe-sentry/internal/config"
	"github.com/camarigor/bitaxe-sentry/internal/mute"
	"github.com/camarigor/bitaxe-sentry/internal/storage"
)

// app holds the components every subcommand opens.
type app struct {
	paths    paths
	settings *config.Store
	store    *storage.SQLiteStorage
	mutes    *mute.Registry
	closers  []io.Closer
}

func openApp(v *viper.Viper) (*app, error) {
	p := resolvePaths(v)
	if err := os.MkdirAll(p.dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.db), 0755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}

	settings, err := config.NewStore(p.settings)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	store, err := storage.NewSQLiteStorage(p.db)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a := &app{
		paths:    p,
		settings: settings,
		store:    store,
		closers:  []io.Closer{store},
	}

	backend, err := a.openMuteStore(v.GetString("mute_backend"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.mutes = mute.NewRegistry(backend)
	return a, nil
}

func (a *app) openMuteStore(backend string) (mute.Store, error) {
	switch backend {
	case "", "file":
		return mute.NewFileStore(filepath.Join(a.paths.dataDir, "mutes.json")), nil
	case "bolt":
		bs, err := mute.NewBoltStore(filepath.Join(a.paths.dataDir, "mutes.db"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, bs)
		return bs, nil
	case "sqlite":
		return a.store.Mutes(), nil
	default:
		return nil, fmt.Errorf("unknown mute backend %q (want file, bolt or sqlite)", backend)
	}
}

// Close releases resources in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Errorf("closing: %v", err)
		}
	}
}
