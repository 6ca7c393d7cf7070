package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camarigor/bitaxe-sentry/internal/alerts"
	"github.com/camarigor/bitaxe-sentry/internal/config"
	"github.com/camarigor/bitaxe-sentry/internal/storage"
)

type evaluation struct {
	miner   string
	reading *storage.Reading
	prev    *storage.Reading
}

type recorder struct {
	mu      sync.Mutex
	offline []string
	evals   []evaluation
}

func (r *recorder) Evaluate(_ context.Context, m *storage.Miner, reading, prev *storage.Reading) []alerts.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evals = append(r.evals, evaluation{miner: m.Name, reading: reading, prev: prev})
	return nil
}

func (r *recorder) SendOffline(_ context.Context, m *storage.Miner) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = append(r.offline, m.Name)
	return true
}

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	s, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func minerServer(t *testing.T, body *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/system/info" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body.Load().(string))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func deadEndpoint() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func settingsFor(endpoints ...string) config.Provider {
	s := config.DefaultSettings()
	s.Endpoints = endpoints
	return config.Fixed(s)
}

func TestPollOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("endpoint failures are isolated", func(t *testing.T) {
		store := newStore(t)
		rec := &recorder{}

		var body atomic.Value
		body.Store(`{"hashRate": 512.5, "temp": 55.5, "voltage": 5100, "bestDiff": "4.93G",
			"stratumURL": "pool.example", "stratumPort": 3333, "stratumUser": "worker"}`)
		good := minerServer(t, &body)
		dead := deadEndpoint()

		p := NewPoller(settingsFor(dead, good.URL), store, NewMinerClient(2*time.Second), rec)
		assert.Equal(t, 1, p.PollOnce(ctx))

		assert.Equal(t, []string{DefaultMinerName(dead)}, rec.offline)
		require.Len(t, rec.evals, 1)
		ev := rec.evals[0]
		assert.Equal(t, DefaultMinerName(good.URL), ev.miner)
		assert.Nil(t, ev.prev)
		assert.Equal(t, 5.1, ev.reading.Voltage)
		assert.Equal(t, "4930000000", ev.reading.BestDiff)
		assert.Equal(t, "stratum+tcp://worker@pool.example:3333", ev.reading.StratumURL)

		// both endpoints were registered
		miners, err := store.GetMiners(ctx)
		require.NoError(t, err)
		assert.Len(t, miners, 2)

		st := p.Status()
		assert.Equal(t, 1, st.Success)
		assert.Equal(t, 2, st.Total)
		assert.False(t, st.Running)

		select {
		case ev := <-p.ReadingChan:
			assert.Equal(t, "4930000000", ev.Reading.BestDiff)
		default:
			t.Fatal("expected a published reading")
		}
	})

	t.Run("previous reading is passed on the second cycle", func(t *testing.T) {
		store := newStore(t)
		rec := &recorder{}

		var body atomic.Value
		body.Store(`{"hashRate": 500, "temp": 50, "voltage": 5200, "bestDiff": 1000}`)
		srv := minerServer(t, &body)

		p := NewPoller(settingsFor(srv.URL), store, NewMinerClient(2*time.Second), rec)
		require.Equal(t, 1, p.PollOnce(ctx))

		body.Store(`{"hashRate": 500, "temp": 50, "voltage": 5200, "bestDiff": "2K"}`)
		require.Equal(t, 1, p.PollOnce(ctx))

		require.Len(t, rec.evals, 2)
		assert.Nil(t, rec.evals[0].prev)
		require.NotNil(t, rec.evals[1].prev)
		assert.Equal(t, "1000", rec.evals[1].prev.BestDiff)
		assert.Equal(t, "2000", rec.evals[1].reading.BestDiff)
		assert.Equal(t, []alerts.AlertType{alerts.AlertNewBestDiff},
			alerts.Check(config.DefaultSettings(), rec.evals[1].reading, rec.evals[1].prev))
	})

	t.Run("malformed telemetry is not an outage", func(t *testing.T) {
		store := newStore(t)
		rec := &recorder{}

		var body atomic.Value
		body.Store(`{"hostname": "bitaxe"}`)
		srv := minerServer(t, &body)

		p := NewPoller(settingsFor(srv.URL), store, NewMinerClient(2*time.Second), rec)
		assert.Equal(t, 0, p.PollOnce(ctx))
		assert.Empty(t, rec.offline)
		assert.Empty(t, rec.evals)
	})

	t.Run("non-2xx is an outage", func(t *testing.T) {
		store := newStore(t)
		rec := &recorder{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		p := NewPoller(settingsFor(srv.URL), store, NewMinerClient(2*time.Second), rec)
		assert.Equal(t, 0, p.PollOnce(ctx))
		assert.Len(t, rec.offline, 1)
	})

	t.Run("no endpoints", func(t *testing.T) {
		rec := &recorder{}
		p := NewPoller(settingsFor(" ", ""), newStore(t), NewMinerClient(time.Second), rec)
		assert.Equal(t, 0, p.PollOnce(ctx))
		assert.True(t, p.Status().StartedAt.IsZero())
	})

	t.Run("concurrent calls share one cycle", func(t *testing.T) {
		store := newStore(t)
		rec := &recorder{}

		entered := make(chan struct{}, 1)
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			fmt.Fprint(w, `{"hashRate": 1, "temp": 40, "voltage": 5100, "bestDiff": "1"}`)
		}))
		defer srv.Close()

		p := NewPoller(settingsFor(srv.URL), store, NewMinerClient(5*time.Second), rec)

		results := make(chan int, 2)
		go func() { results <- p.PollOnce(ctx) }()
		<-entered
		go func() { results <- p.PollOnce(ctx) }()
		time.Sleep(100 * time.Millisecond)
		close(release)

		assert.Equal(t, 1, <-results)
		assert.Equal(t, 1, <-results)

		readings, err := store.GetReadings(ctx, 0, time.Time{})
		require.NoError(t, err)
		assert.Len(t, readings, 1)
	})
}

func TestPollOnceCallerCancellation(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		fmt.Fprint(w, `{"hashRate": 1, "temp": 40, "voltage": 5100, "bestDiff": "1"}`)
	}))
	defer slow.Close()
	var body atomic.Value
	body.Store(`{"hashRate": 2, "temp": 41, "voltage": 5100, "bestDiff": "2"}`)
	good := minerServer(t, &body)

	p := NewPoller(settingsFor(slow.URL, good.URL), store, NewMinerClient(5*time.Second), rec)
	defer p.Close()

	reqCtx, cancel := context.WithCancel(context.Background())
	requested := make(chan int, 1)
	go func() { requested <- p.PollOnce(reqCtx) }()
	time.Sleep(100 * time.Millisecond)

	scheduled := make(chan int, 1)
	go func() { scheduled <- p.PollOnce(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.Equal(t, -1, <-requested)
	assert.Equal(t, 2, <-scheduled)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.offline)
	assert.Len(t, rec.evals, 2)
}

func TestPollerClose(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}

	entered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewPoller(settingsFor(srv.URL), store, NewMinerClient(10*time.Second), rec)
	done := make(chan int, 1)
	go func() { done <- p.PollOnce(context.Background()) }()
	<-entered

	p.Close()
	assert.Equal(t, 0, <-done)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.offline, "shutdown is not an outage")
}

func TestDefaultMinerName(t *testing.T) {
	assert.Equal(t, "bitaxe_192.168.1.50", DefaultMinerName("http://192.168.1.50"))
	assert.Equal(t, "bitaxe_miner.lan:8080", DefaultMinerName("https://miner.lan:8080"))
	assert.Equal(t, "bitaxe_10.0.0.2", DefaultMinerName("10.0.0.2"))
}

func TestToReading(t *testing.T) {
	hash, temp := 480.0, 61.0
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("fallback pool", func(t *testing.T) {
		info := &SystemInfo{
			HashRate:               &hash,
			Temp:                   &temp,
			BestDiff:               []byte(`"12.5M"`),
			StratumURL:             "primary",
			StratumPort:            3333,
			StratumUser:            "a",
			FallbackStratumURL:     "backup",
			FallbackStratumPort:    4444,
			FallbackStratumUser:    "b",
			IsUsingFallbackStratum: true,
		}
		r := ToReading(7, info, at)
		assert.Equal(t, int64(7), r.MinerID)
		assert.Equal(t, at, r.Timestamp)
		assert.Equal(t, "stratum+tcp://b@backup:4444", r.StratumURL)
		assert.Equal(t, "12500000", r.BestDiff)
		assert.Equal(t, 0.0, r.Voltage)
		assert.Equal(t, 0.0, r.StratumDiff)
		assert.Equal(t, int64(0), r.SharesAccepted)
	})

	t.Run("pool without host", func(t *testing.T) {
		assert.Equal(t, "", ToReading(1, &SystemInfo{}, at).StratumURL)

		info := &SystemInfo{
			StratumURL:             "primary",
			StratumPort:            3333,
			StratumUser:            "a",
			IsUsingFallbackStratum: true,
		}
		assert.Equal(t, "", ToReading(1, info, at).StratumURL)

		info.IsUsingFallbackStratum = false
		assert.Equal(t, "stratum+tcp://a@primary:3333", ToReading(1, info, at).StratumURL)
	})

	t.Run("numeric and null best diff", func(t *testing.T) {
		info := &SystemInfo{HashRate: &hash, Temp: &temp, BestDiff: []byte(`1051806384`)}
		assert.Equal(t, "1051806384", ToReading(1, info, at).BestDiff)

		info.BestDiff = []byte(`null`)
		assert.Equal(t, "0", ToReading(1, info, at).BestDiff)
	})
}

func TestFlexBool(t *testing.T) {
	for in, want := range map[string]bool{`true`: true, `false`: false, `1`: true, `0`: false, `"1"`: true, `null`: false} {
		var b flexBool
		require.NoError(t, b.UnmarshalJSON([]byte(in)), in)
		assert.Equal(t, want, bool(b), in)
	}
	var b flexBool
	assert.Error(t, b.UnmarshalJSON([]byte(`"maybe"`)))
}
