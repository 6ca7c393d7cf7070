package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	logging "github.com/ipfs/go-log/v2"

	"github.com/camarigor/bitaxe-sentry/internal/alerts"
	"github.com/camarigor/bitaxe-sentry/internal/collector"
	"github.com/camarigor/bitaxe-sentry/internal/config"
	"github.com/camarigor/bitaxe-sentry/internal/mute"
	"github.com/camarigor/bitaxe-sentry/internal/scanner"
	"github.com/camarigor/bitaxe-sentry/internal/storage"
)

var log = logging.Logger("api")

// Rescheduler picks up a changed poll interval.
type Rescheduler interface {
	Reschedule() error
}

// Server represents the HTTP API server
type Server struct {
	addr      string
	settings  *config.Store
	storage   *storage.SQLiteStorage
	poller    *collector.Poller
	mutes     *mute.Registry
	alerts    *alerts.Dispatcher
	scheduler Rescheduler
	scanner   *scanner.Scanner
	feed      *Feed
	server    *http.Server
	now       func() time.Time
}

// NewServer creates a new API server. sched may be nil.
func NewServer(
	addr string,
	settings *config.Store,
	store *storage.SQLiteStorage,
	poller *collector.Poller,
	mutes *mute.Registry,
	dispatcher *alerts.Dispatcher,
	sched Rescheduler,
) *Server {
	return &Server{
		addr:      addr,
		settings:  settings,
		storage:   store,
		poller:    poller,
		mutes:     mutes,
		alerts:    dispatcher,
		scheduler: sched,
		scanner:   scanner.NewScanner(),
		feed:      NewFeed(),
		now:       time.Now,
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleGetStatus)
		r.Get("/dashboard", s.handleGetDashboard)
		r.Get("/history", s.handleGetHistory)

		// Miners
		r.Get("/miners", s.handleGetMiners)
		r.Post("/miners/{id}/rename", s.handleRenameMiner)
		r.Delete("/miners/{id}", s.handleDeleteMiner)

		// Mutes
		r.Get("/miners/{id}/mute", s.handleGetMute)
		r.Put("/miners/{id}/mute", s.handleSetMute)
		r.Delete("/miners/{id}/mute", s.handleClearMute)
		r.Get("/mutes", s.handleGetMutes)

		// Settings
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleSaveSettings)
		r.Post("/test-webhook", s.handleTestWebhook)

		// Actions
		r.Post("/poll-now", s.handlePollNow)
		r.Post("/scan", s.handleScan)

		// Database management
		r.Get("/dbsize", s.handleGetDBSize)
		r.Post("/purge", s.handlePurge)

		// WebSocket
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	go s.feed.Run()
	go s.forwardEvents()

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
	}

	log.Infof("starting HTTP server on %s", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.feed.Stop()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// forwardEvents relays poller events to the live feed
func (s *Server) forwardEvents() {
	for {
		select {
		case <-s.feed.done:
			return

		case ev := <-s.poller.ReadingChan:
			s.feed.Publish(EventReading, map[string]interface{}{
				"miner":   ev.Miner,
				"reading": ev.Reading,
			})

		case status := <-s.poller.StatusChan:
			s.feed.Publish(EventPoll, status)
		}
	}
}
