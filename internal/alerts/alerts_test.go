package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/camarigor/bitaxe-sentry/internal/config"
	"github.com/camarigor/bitaxe-sentry/internal/storage"
)

type capture struct {
	mu       sync.Mutex
	status   int
	messages []string
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	var p webhookPayload
	json.NewDecoder(r.Body).Decode(&p)
	c.mu.Lock()
	c.messages = append(c.messages, p.Content)
	status := c.status
	c.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func (c *capture) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

type muted map[int64]bool

func (m muted) IsMuted(id int64) bool { return m[id] }

type lastReading struct {
	r *storage.Reading
}

func (l lastReading) LatestReading(context.Context, int64) (*storage.Reading, error) {
	return l.r, nil
}

func newTestDispatcher(t *testing.T, c *capture, mutes Muter, opts ...Option) (*Dispatcher, config.Settings) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	t.Cleanup(srv.Close)

	s := config.DefaultSettings()
	s.WebhookURL = srv.URL
	sender := NewWebhookSender(WithLimiter(rate.NewLimiter(rate.Inf, 0)))
	return NewDispatcher(config.Fixed(s), mutes, sender, opts...), s
}

func healthy() *storage.Reading {
	return &storage.Reading{Temperature: 55, Voltage: 5.1, HashRate: 500, BestDiff: "1000"}
}

func TestCheck(t *testing.T) {
	s := config.DefaultSettings()

	tests := []struct {
		name string
		mod  func(r *storage.Reading)
		prev *storage.Reading
		want []AlertType
	}{
		{"healthy", func(r *storage.Reading) {}, nil, nil},
		{"temperature at max does not fire", func(r *storage.Reading) { r.Temperature = 70 }, nil, nil},
		{"temperature at min does not fire", func(r *storage.Reading) { r.Temperature = 20 }, nil, nil},
		{"too hot", func(r *storage.Reading) { r.Temperature = 70.1 }, nil, []AlertType{AlertTemperature}},
		{"too cold", func(r *storage.Reading) { r.Temperature = 19.9 }, nil, []AlertType{AlertTemperature}},
		{"voltage at min does not fire", func(r *storage.Reading) { r.Voltage = 5.0 }, nil, nil},
		{"low voltage", func(r *storage.Reading) { r.Voltage = 4.9 }, nil, []AlertType{AlertVoltage}},
		{"first reading never reports best diff", func(r *storage.Reading) { r.BestDiff = "99999" }, nil, nil},
		{"same best diff", func(r *storage.Reading) {}, healthy(), nil},
		{"changed best diff", func(r *storage.Reading) { r.BestDiff = "2000" }, healthy(), []AlertType{AlertNewBestDiff}},
		{"everything at once", func(r *storage.Reading) {
			r.Temperature = 80
			r.Voltage = 0
			r.BestDiff = "5"
		}, healthy(), []AlertType{AlertTemperature, AlertVoltage, AlertNewBestDiff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := healthy()
			tt.mod(r)
			assert.Equal(t, tt.want, Check(s, r, tt.prev))
		})
	}
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	miner := &storage.Miner{ID: 1, Name: "garage"}

	t.Run("sends messages", func(t *testing.T) {
		c := &capture{}
		d, _ := newTestDispatcher(t, c, nil)

		r := healthy()
		r.Temperature = 75.3
		r.BestDiff = "4930000000"
		out := d.Evaluate(ctx, miner, r, healthy())

		assert.Equal(t, []Outcome{
			{Type: AlertTemperature, Status: StatusSent},
			{Type: AlertNewBestDiff, Status: StatusSent},
		}, out)

		msgs := c.all()
		require.Len(t, msgs, 2)
		assert.Contains(t, msgs[0], "⚠️ **garage** temperature out of range: 75.3°C")
		assert.Contains(t, msgs[0], "Voltage: 5.10V")
		assert.Contains(t, msgs[1], "🎉 **garage** new best diff! 4.93G")
	})

	t.Run("muted miner sends nothing", func(t *testing.T) {
		c := &capture{}
		d, _ := newTestDispatcher(t, c, muted{1: true})

		r := healthy()
		r.Voltage = 1
		out := d.Evaluate(ctx, miner, r, nil)

		assert.Equal(t, []Outcome{{Type: AlertVoltage, Status: StatusMuted}}, out)
		assert.Empty(t, c.all())
		assert.False(t, d.SendOffline(ctx, miner))
		assert.Empty(t, c.all())
	})

	t.Run("webhook error is reported", func(t *testing.T) {
		c := &capture{status: http.StatusBadRequest}
		d, _ := newTestDispatcher(t, c, nil)

		r := healthy()
		r.Voltage = 1
		out := d.Evaluate(ctx, miner, r, nil)
		assert.Equal(t, []Outcome{{Type: AlertVoltage, Status: StatusFailed}}, out)
		assert.False(t, d.SendOffline(ctx, miner))
	})

	t.Run("no webhook skips", func(t *testing.T) {
		d := NewDispatcher(config.Fixed(config.DefaultSettings()), nil, NewWebhookSender())

		r := healthy()
		r.Voltage = 1
		out := d.Evaluate(ctx, miner, r, nil)
		assert.Equal(t, []Outcome{{Type: AlertVoltage, Status: StatusSkipped}}, out)
		assert.False(t, d.SendOffline(ctx, miner))
		assert.ErrorIs(t, d.Startup(ctx, "Monitor"), ErrNoWebhook)
	})
}

func TestSendOffline(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := &capture{}
	d, _ := newTestDispatcher(t, c, nil,
		WithClock(func() time.Time { return now }),
		WithHistory(lastReading{&storage.Reading{Timestamp: now.Add(-3 * time.Hour)}}),
	)

	require.True(t, d.SendOffline(ctx, &storage.Miner{ID: 2, Name: "shed"}))
	msgs := c.all()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "🔴 **shed** is **OFFLINE**\nFailed to respond to latest polling event")
	assert.Contains(t, msgs[0], "3 hours ago")
}

func TestStartupAndTest(t *testing.T) {
	ctx := context.Background()
	c := &capture{}
	d, s := newTestDispatcher(t, c, muted{0: true})

	require.NoError(t, d.Startup(ctx, "Monitor"))
	assert.True(t, d.SendTest(ctx, s.WebhookURL))
	assert.False(t, d.SendTest(ctx, ""))

	msgs := c.all()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "🚀 **Bitaxe Sentry Monitor** started at")
	assert.Contains(t, msgs[0], "✅ Discord notifications are working correctly!")
	assert.Contains(t, msgs[1], "🧪 **Bitaxe Sentry Test Notification**")
}

func TestWebhookSender(t *testing.T) {
	var got *http.Request
	var body webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewWebhookSender(WithLimiter(rate.NewLimiter(rate.Inf, 0)))
	require.NoError(t, s.Send(context.Background(), srv.URL, "hello"))
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "hello", body.Content)

	assert.Error(t, s.Send(context.Background(), "http://127.0.0.1:1", "unreachable"))
}
