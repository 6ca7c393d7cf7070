package alerts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"

	"github.com/camarigor/bitaxe-sentry/internal/config"
	"github.com/camarigor/bitaxe-sentry/internal/difficulty"
	"github.com/camarigor/bitaxe-sentry/internal/storage"
)

var log = logging.Logger("alerts")

// ErrNoWebhook is returned when no webhook URL is configured.
var ErrNoWebhook = errors.New("webhook URL is not configured")

// AlertType represents the type of alert
type AlertType string

const (
	AlertTemperature AlertType = "temperature"
	AlertVoltage     AlertType = "voltage"
	AlertNewBestDiff AlertType = "new_best_diff"
	AlertOffline     AlertType = "offline"
	AlertStartup     AlertType = "startup"
	AlertTest        AlertType = "test"
)

// Status is what happened to a single alert.
type Status string

const (
	StatusSent    Status = "sent"
	StatusMuted   Status = "muted"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Outcome pairs a fired alert with its delivery status.
type Outcome struct {
	Type   AlertType `json:"type"`
	Status Status    `json:"status"`
}

// Muter reports whether alerts for a miner are suppressed.
type Muter interface {
	IsMuted(minerID int64) bool
}

// History looks up a miner's most recent reading.
type History interface {
	LatestReading(ctx context.Context, minerID int64) (*storage.Reading, error)
}

const timeLayout = "2006-01-02 15:04:05"

// Dispatcher decides which alerts a reading triggers and delivers them.
type Dispatcher struct {
	cfg      config.Provider
	mutes    Muter
	sender   Sender
	history  History
	now      func() time.Time
	hostname string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHistory lets offline alerts mention when the miner was last heard from.
func WithHistory(h History) Option {
	return func(d *Dispatcher) {
		d.history = h
	}
}

// WithClock overrides the dispatcher's time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a new alert dispatcher. mutes may be nil.
func NewDispatcher(cfg config.Provider, mutes Muter, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		mutes:  mutes,
		sender: sender,
		now:    time.Now,
	}
	if h, err := os.Hostname(); err == nil {
		d.hostname = h
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Check returns the alerts reading triggers under s. prev is the miner's
// previous reading, or nil for the first one.
func Check(s config.Settings, reading, prev *storage.Reading) []AlertType {
	var fired []AlertType
	if reading.Temperature > s.TempMax || reading.Temperature < s.TempMin {
		fired = append(fired, AlertTemperature)
	}
	if reading.Voltage < s.VoltMin {
		fired = append(fired, AlertVoltage)
	}
	if prev != nil && reading.BestDiff != prev.BestDiff {
		fired = append(fired, AlertNewBestDiff)
	}
	return fired
}

// Evaluate checks reading against the current thresholds and sends every
// alert it triggers.
func (d *Dispatcher) Evaluate(ctx context.Context, miner *storage.Miner, reading, prev *storage.Reading) []Outcome {
	s := d.cfg.Current()
	fired := Check(s, reading, prev)

	outcomes := make([]Outcome, 0, len(fired))
	for _, t := range fired {
		var msg string
		switch t {
		case AlertTemperature:
			log.Warnf("temperature alert for %s: %.1f°C (allowed %.1f-%.1f)", miner.Name, reading.Temperature, s.TempMin, s.TempMax)
			msg = fmt.Sprintf("⚠️ **%s** temperature out of range: %.1f°C\n%s", miner.Name, reading.Temperature, summary(reading))
		case AlertVoltage:
			log.Warnf("voltage alert for %s: %.2fV (min %.2fV)", miner.Name, reading.Voltage, s.VoltMin)
			msg = fmt.Sprintf("⚠️ **%s** voltage out of range: %.2fV\n%s", miner.Name, reading.Voltage, summary(reading))
		case AlertNewBestDiff:
			log.Infof("new best diff for %s: %s -> %s", miner.Name, prev.BestDiff, reading.BestDiff)
			msg = fmt.Sprintf("🎉 **%s** new best diff! %s\n%s", miner.Name, difficulty.Format(reading.BestDiff), summary(reading))
		}
		outcomes = append(outcomes, Outcome{Type: t, Status: d.deliver(ctx, miner, t, msg)})
	}
	return outcomes
}

// SendOffline reports that miner failed to respond. It returns true only if
// the message was delivered.
func (d *Dispatcher) SendOffline(ctx context.Context, miner *storage.Miner) bool {
	msg := fmt.Sprintf("🔴 **%s** is **OFFLINE**\nFailed to respond to latest polling event", miner.Name)
	if d.history != nil {
		last, err := d.history.LatestReading(ctx, miner.ID)
		if err != nil {
			log.Debugf("looking up last reading for %s: %v", miner.Name, err)
		} else if last != nil {
			msg += fmt.Sprintf("\nLast reading: %s (%s)",
				last.Timestamp.Local().Format(timeLayout),
				humanize.RelTime(last.Timestamp, d.now(), "ago", "from now"))
		}
	}
	return d.deliver(ctx, miner, AlertOffline, msg) == StatusSent
}

// Startup announces that service has started. It is never muted.
func (d *Dispatcher) Startup(ctx context.Context, service string) error {
	url := d.cfg.Current().WebhookURL
	if url == "" {
		return ErrNoWebhook
	}
	msg := fmt.Sprintf("🚀 **Bitaxe Sentry %s** started at %s", service, d.now().Format(timeLayout))
	if d.hostname != "" {
		msg += " on " + d.hostname
	}
	msg += "\n✅ Discord notifications are working correctly!"
	return d.sender.Send(ctx, url, msg)
}

// SendTest sends a test message to url, which need not be the saved one.
func (d *Dispatcher) SendTest(ctx context.Context, url string) bool {
	if url == "" {
		log.Warnf("no webhook URL given for test notification")
		return false
	}
	msg := fmt.Sprintf("🧪 **Bitaxe Sentry Test Notification**\n✅ This is a test message sent at %s\n✅ Discord webhook is configured correctly!",
		d.now().Format(timeLayout))
	if err := d.sender.Send(ctx, url, msg); err != nil {
		log.Errorf("test notification failed: %v", err)
		return false
	}
	log.Infof("test notification sent")
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, miner *storage.Miner, t AlertType, msg string) Status {
	if d.mutes != nil && d.mutes.IsMuted(miner.ID) {
		log.Infof("%s alert for %s suppressed, miner is muted", t, miner.Name)
		return StatusMuted
	}

	url := d.cfg.Current().WebhookURL
	if url == "" {
		log.Warnf("discord webhook URL not configured, skipping %s alert for %s", t, miner.Name)
		return StatusSkipped
	}

	if err := d.sender.Send(ctx, url, msg); err != nil {
		log.Errorf("failed to send %s alert for %s: %v", t, miner.Name, err)
		return StatusFailed
	}
	log.Infof("%s alert sent for %s", t, miner.Name)
	return StatusSent
}

func summary(r *storage.Reading) string {
	return fmt.Sprintf("Temperature: %.1f°C | Voltage: %.2fV | Hash Rate: %.2f GH/s", r.Temperature, r.Voltage, r.HashRate)
}
