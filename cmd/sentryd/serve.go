package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/camarigor/bitaxe-sentry/internal/alerts"
	"github.com/camarigor/bitaxe-sentry/internal/api"
	"github.com/camarigor/bitaxe-sentry/internal/collector"
	"github.com/camarigor/bitaxe-sentry/internal/config"
	"github.com/camarigor/bitaxe-sentry/internal/scheduler"
)

const (
	minerTimeout    = 10 * time.Second
	watchInterval   = 2 * time.Second
	shutdownTimeout = 10 * time.Second
	startupRetries  = 3
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the poller, scheduler and HTTP API",
	RunE: func(c *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	log.Infof("Bitaxe Sentry starting...")

	a, err := openApp(configViper)
	if err != nil {
		return err
	}
	defer a.Close()
	log.Infof("database at %s, settings at %s", a.store.Path(), a.settings.Path())

	if err := a.store.Vacuum(ctx); err != nil {
		log.Warnf("database vacuum failed: %v", err)
	}

	dispatcher := alerts.NewDispatcher(a.settings, a.mutes, alerts.NewWebhookSender(), alerts.WithHistory(a.store))
	poller := collector.NewPoller(a.settings, a.store, collector.NewMinerClient(minerTimeout), dispatcher)
	defer poller.Close()
	sched := scheduler.New(a.settings, poller, a.store)

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	err = a.settings.Watch(ctx, watchInterval, func(old, cur config.Settings) {
		log.Infof("settings file changed on disk")
		if err := sched.Reschedule(); err != nil {
			log.Errorf("rescheduling poll: %v", err)
		}
		if !config.SameEndpoints(old, cur) {
			go poller.PollOnce(ctx)
		}
	})
	if err != nil {
		log.Warnf("settings watcher disabled: %v", err)
	}

	go notifyStartup(ctx, dispatcher)

	server := api.NewServer(configViper.GetString("listen_addr"), a.settings, a.store, poller, a.mutes, dispatcher, sched)
	errc := make(chan error, 1)
	go func() {
		errc <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Infof("shutting down...")
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Errorf("server shutdown error: %v", err)
	}
	log.Infof("Bitaxe Sentry stopped")
	return nil
}

// notifyStartup retries the startup message a few times. A missing webhook
// is not retried.
func notifyStartup(ctx context.Context, d *alerts.Dispatcher) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), startupRetries), ctx)
	err := backoff.RetryNotify(func() error {
		err := d.Startup(ctx, "Poller")
		if errors.Is(err, alerts.ErrNoWebhook) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		log.Warnf("startup notification failed, retrying in %s: %v", next, err)
	})
	switch {
	case err == nil:
		log.Infof("startup notification sent")
	case errors.Is(err, alerts.ErrNoWebhook):
		log.Warnf("discord webhook URL not configured, skipping startup notification")
	default:
		log.Errorf("failed to send startup notification: %v", err)
	}
}
