package collector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/camarigor/bitaxe-sentry/internal/alerts"
	"github.com/camarigor/bitaxe-sentry/internal/config"
	"github.com/camarigor/bitaxe-sentry/internal/storage"
)

var log = logging.Logger("collector")

// Store is the part of the storage layer a poll cycle touches.
type Store interface {
	MinerByEndpoint(ctx context.Context, endpoint string) (*storage.Miner, error)
	CreateMiner(ctx context.Context, name, endpoint string) (*storage.Miner, error)
	InsertReading(ctx context.Context, r *storage.Reading) error
	PreviousReading(ctx context.Context, minerID, excludeID int64) (*storage.Reading, error)
}

// Fetcher retrieves telemetry from a miner endpoint.
type Fetcher interface {
	FetchInfo(ctx context.Context, endpoint string) (*SystemInfo, error)
}

// Alerter evaluates readings and reports unreachable miners.
type Alerter interface {
	Evaluate(ctx context.Context, miner *storage.Miner, reading, prev *storage.Reading) []alerts.Outcome
	SendOffline(ctx context.Context, miner *storage.Miner) bool
}

// ReadingEvent is published for every reading that was persisted.
type ReadingEvent struct {
	Miner   *storage.Miner
	Reading *storage.Reading
}

// Status describes the most recent poll cycle.
type Status struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Success    int       `json:"success"`
	Total      int       `json:"total"`
	Running    bool      `json:"running"`
}

// Poller runs poll cycles over the configured endpoints.
type Poller struct {
	cfg    config.Provider
	store  Store
	client Fetcher
	alerts Alerter
	now    func() time.Time

	// life bounds every cycle. Callers of PollOnce only stop waiting.
	life     context.Context
	shutdown context.CancelFunc
	group    singleflight.Group
	running  sync.WaitGroup

	mu     sync.RWMutex
	status Status

	// Channels for broadcasting to API WebSocket clients
	ReadingChan chan *ReadingEvent
	StatusChan  chan Status
}

// NewPoller creates a Poller.
func NewPoller(cfg config.Provider, store Store, client Fetcher, alerter Alerter) *Poller {
	life, shutdown := context.WithCancel(context.Background())
	return &Poller{
		life:        life,
		shutdown:    shutdown,
		cfg:         cfg,
		store:       store,
		client:      client,
		alerts:      alerter,
		now:         time.Now,
		ReadingChan: make(chan *ReadingEvent, 100),
		StatusChan:  make(chan Status, 10),
	}
}

// DefaultMinerName is the name given to a miner seen for the first time.
func DefaultMinerName(endpoint string) string {
	if i := strings.LastIndex(endpoint, "://"); i >= 0 {
		endpoint = endpoint[i+3:]
	}
	return "bitaxe_" + endpoint
}

// PollOnce polls every configured endpoint once and returns how many
// produced a stored reading. A call made while a cycle is running waits for
// that cycle and returns its count.
//
// The cycle runs to completion even if ctx is cancelled; it is only cut
// short by Close. A cancelled caller returns -1 without waiting.
func (p *Poller) PollOnce(ctx context.Context) int {
	ch := p.group.DoChan("poll", func() (interface{}, error) {
		p.running.Add(1)
		defer p.running.Done()
		return p.pollAll(p.life), nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			log.Debugf("joined poll cycle already in progress")
		}
		return res.Val.(int)
	case <-ctx.Done():
		log.Warnf("stopped waiting for poll cycle: %v", ctx.Err())
		return -1
	}
}

// Close aborts any running cycle and waits for it to return. Later cycles
// poll nothing.
func (p *Poller) Close() {
	p.shutdown()
	p.running.Wait()
}

// Status returns the state of the last poll cycle.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Poller) pollAll(ctx context.Context) int {
	endpoints := p.cfg.Current().EndpointURLs()
	if len(endpoints) == 0 {
		log.Warnf("no miner endpoints configured, skipping poll")
		return 0
	}

	started := p.now()
	p.mu.Lock()
	p.status = Status{StartedAt: started, Total: len(endpoints), Running: true}
	p.mu.Unlock()

	log.Infof("starting poll cycle over %d endpoints", len(endpoints))
	success := 0
	for _, endpoint := range endpoints {
		if ctx.Err() != nil {
			log.Warnf("poll cycle cancelled: %v", ctx.Err())
			break
		}
		if p.pollEndpoint(ctx, endpoint) {
			success++
		}
	}
	log.Infof("completed polling cycle. successful: %d/%d", success, len(endpoints))

	status := Status{
		StartedAt:  started,
		FinishedAt: p.now(),
		Success:    success,
		Total:      len(endpoints),
	}
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()

	select {
	case p.StatusChan <- status:
	default:
	}
	return success
}

// pollEndpoint reports whether a reading was stored. Failures after that
// point do not change the result.
func (p *Poller) pollEndpoint(ctx context.Context, endpoint string) (stored bool) {
	var miner *storage.Miner
	defer func() {
		if r := recover(); r != nil {
			name := "unregistered"
			if miner != nil {
				name = miner.Name
			}
			log.Errorf("unexpected error polling %s (%s): %v", endpoint, name, r)
		}
	}()

	miner, err := p.minerFor(ctx, endpoint)
	if err != nil {
		log.Errorf("registering miner at %s: %v", endpoint, err)
		return false
	}

	log.Debugf("polling miner %s at %s", miner.Name, endpoint)
	info, err := p.client.FetchInfo(ctx, endpoint)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			log.Warnf("poll of %s interrupted: %v", miner.Name, err)
			return false
		}
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			log.Errorf("failed to poll miner %s: %v", miner.Name, err)
			log.Warnf("miner %s appears to be offline, sending alert", miner.Name)
			p.alerts.SendOffline(ctx, miner)
			return false
		}
		log.Errorf("error processing data from %s: %v", miner.Name, err)
		return false
	}

	reading := ToReading(miner.ID, info, p.now())
	if err := p.store.InsertReading(ctx, reading); err != nil {
		log.Errorf("storing reading for %s: %v", miner.Name, err)
		return false
	}
	stored = true
	log.Infof("stored reading for %s: %.2f GH/s, %.1f°C, %.2fV, best diff %s",
		miner.Name, reading.HashRate, reading.Temperature, reading.Voltage, reading.BestDiff)

	// Broadcast to WebSocket clients (non-blocking)
	select {
	case p.ReadingChan <- &ReadingEvent{Miner: miner, Reading: reading}:
	default:
	}

	prev, err := p.store.PreviousReading(ctx, miner.ID, reading.ID)
	if err != nil {
		log.Errorf("loading previous reading for %s: %v", miner.Name, err)
		prev = nil
	}
	p.alerts.Evaluate(ctx, miner, reading, prev)
	return stored
}

func (p *Poller) minerFor(ctx context.Context, endpoint string) (*storage.Miner, error) {
	miner, err := p.store.MinerByEndpoint(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if miner != nil {
		return miner, nil
	}
	log.Infof("registering new miner at %s", endpoint)
	return p.store.CreateMiner(ctx, DefaultMinerName(endpoint), endpoint)
}
