package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/camarigor/bitaxe-sentry/internal/config"
	"github.com/camarigor/bitaxe-sentry/internal/difficulty"
	"github.com/camarigor/bitaxe-sentry/internal/mute"
	"github.com/camarigor/bitaxe-sentry/internal/scanner"
	"github.com/camarigor/bitaxe-sentry/internal/storage"
)

const maxNameLength = 64

// parseMinerID reads the {id} URL parameter.
func parseMinerID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// requireMiner writes a 400 or 404 and returns nil when the miner cannot be
// found.
func (s *Server) requireMiner(w http.ResponseWriter, r *http.Request) *storage.Miner {
	id, err := parseMinerID(r)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid miner id")
		return nil
	}
	miner, err := s.storage.GetMiner(r.Context(), id)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	if miner == nil {
		s.jsonError(w, http.StatusNotFound, "Miner not found")
		return nil
	}
	return miner
}

// handleGetStatus returns the state of the last poll cycle
// GET /api/status
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	cur := s.settings.Current()
	s.jsonResponse(w, map[string]interface{}{
		"poll":                s.poller.Status(),
		"settingsVersion":     s.settings.Version(),
		"pollIntervalMinutes": cur.PollIntervalMinutes,
		"endpoints":           len(cur.EndpointURLs()),
		"websocketClients":    s.feed.Subscribers(),
	})
}

// DashboardMiner is one row of the dashboard.
type DashboardMiner struct {
	storage.Miner
	Latest          *storage.Reading `json:"latest,omitempty"`
	BestDiffDisplay string           `json:"bestDiffDisplay,omitempty"`
	TimestampAgo    *int64           `json:"timestampAgo,omitempty"` // minutes
	LastSeen        string           `json:"lastSeen,omitempty"`
	Muted           bool             `json:"muted"`
	MuteUntil       *time.Time       `json:"muteUntil,omitempty"`
}

// handleGetDashboard returns every miner with its latest reading
// GET /api/dashboard
func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	miners, err := s.storage.GetMinersWithLatest(r.Context())
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := s.now()
	var mostRecent time.Time
	result := make([]DashboardMiner, 0, len(miners))
	for _, m := range miners {
		row := DashboardMiner{Miner: m.Miner, Latest: m.Latest}
		if m.Latest != nil {
			ago := int64(now.Sub(m.Latest.Timestamp) / time.Minute)
			row.TimestampAgo = &ago
			row.LastSeen = humanize.RelTime(m.Latest.Timestamp, now, "ago", "from now")
			row.BestDiffDisplay = difficulty.Format(m.Latest.BestDiff)
			if m.Latest.Timestamp.After(mostRecent) {
				mostRecent = m.Latest.Timestamp
			}
		}
		if e, ok := s.mutes.Status(m.ID); ok {
			until := e.Until()
			row.Muted = true
			row.MuteUntil = &until
		}
		result = append(result, row)
	}

	lastUpdated := "Never"
	if !mostRecent.IsZero() {
		lastUpdated = mostRecent.Local().Format("2006-01-02 15:04:05")
	}

	s.jsonResponse(w, map[string]interface{}{
		"miners":      result,
		"lastUpdated": lastUpdated,
	})
}

// handleGetHistory returns readings grouped by miner and time window
// GET /api/history
// Query params: miner_id (default all), hours (default every window)
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	retentionHours := s.settings.Current().RetentionDays * 24

	var minerID int64
	if v := r.URL.Query().Get("miner_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			s.jsonError(w, http.StatusBadRequest, "invalid miner_id")
			return
		}
		minerID = id
	}

	windows := historyWindows(retentionHours)
	if v := r.URL.Query().Get("hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			s.jsonError(w, http.StatusBadRequest, "invalid hours")
			return
		}
		if hours > retentionHours {
			hours = retentionHours
		}
		windows = []int{hours}
	}

	since := s.now().Add(-time.Duration(retentionHours) * time.Hour)
	readings, err := s.storage.GetReadings(r.Context(), minerID, since)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	miners, err := s.storage.GetMiners(r.Context())
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	names := make(map[int64]string, len(miners))
	for _, m := range miners {
		names[m.ID] = m.Name
	}

	s.jsonResponse(w, buildHistory(readings, names, windows))
}

// handleGetMiners returns all miners
// GET /api/miners
func (s *Server) handleGetMiners(w http.ResponseWriter, r *http.Request) {
	miners, err := s.storage.GetMiners(r.Context())
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if miners == nil {
		miners = []*storage.Miner{}
	}
	s.jsonResponse(w, miners)
}

// handleRenameMiner sets a miner's display name
// POST /api/miners/{id}/rename
func (s *Server) handleRenameMiner(w http.ResponseWriter, r *http.Request) {
	id, err := parseMinerID(r)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid miner id")
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	name := strings.TrimSpace(req.Name)
	switch {
	case name == "":
		s.jsonError(w, http.StatusBadRequest, "Name cannot be empty")
		return
	case len([]rune(name)) > maxNameLength:
		s.jsonError(w, http.StatusBadRequest, "Name too long (max 64 chars)")
		return
	}

	if err := s.storage.RenameMiner(r.Context(), id, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.jsonError(w, http.StatusNotFound, "Miner not found")
			return
		}
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Infof("miner %d renamed to %q", id, name)
	s.jsonResponse(w, map[string]interface{}{"success": true, "name": name})
}

// handleDeleteMiner removes a miner with its readings and mute
// DELETE /api/miners/{id}
func (s *Server) handleDeleteMiner(w http.ResponseWriter, r *http.Request) {
	id, err := parseMinerID(r)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid miner id")
		return
	}

	if err := s.storage.DeleteMiner(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.jsonError(w, http.StatusNotFound, "Miner not found")
			return
		}
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mutes.Clear(id)

	log.Infof("miner %d deleted", id)
	s.jsonResponse(w, map[string]bool{"success": true})
}

// MuteStatus describes a miner's mute window.
type MuteStatus struct {
	MinerID          int64      `json:"minerId"`
	Muted            bool       `json:"muted"`
	MuteUntil        *time.Time `json:"muteUntil,omitempty"`
	MutedAt          *time.Time `json:"mutedAt,omitempty"`
	DurationMinutes  int        `json:"durationMinutes,omitempty"`
	RemainingMinutes int        `json:"remainingMinutes,omitempty"`
}

func (s *Server) muteStatus(id int64, e mute.Entry, ok bool) MuteStatus {
	st := MuteStatus{MinerID: id, Muted: ok}
	if !ok {
		return st
	}
	until := e.Until()
	mutedAt := time.UnixMilli(e.MutedAt)
	st.MuteUntil = &until
	st.MutedAt = &mutedAt
	st.DurationMinutes = e.DurationMinutes
	remaining := until.Sub(s.now())
	st.RemainingMinutes = int((remaining + time.Minute - 1) / time.Minute)
	return st
}

// handleGetMute returns a miner's mute state
// GET /api/miners/{id}/mute
func (s *Server) handleGetMute(w http.ResponseWriter, r *http.Request) {
	miner := s.requireMiner(w, r)
	if miner == nil {
		return
	}
	e, ok := s.mutes.Status(miner.ID)
	s.jsonResponse(w, s.muteStatus(miner.ID, e, ok))
}

// handleSetMute silences a miner's alerts
// PUT /api/miners/{id}/mute
func (s *Server) handleSetMute(w http.ResponseWriter, r *http.Request) {
	miner := s.requireMiner(w, r)
	if miner == nil {
		return
	}

	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Minutes <= 0 {
		s.jsonError(w, http.StatusBadRequest, "minutes must be positive")
		return
	}
	if !s.mutes.Set(miner.ID, req.Minutes) {
		s.jsonError(w, http.StatusInternalServerError, "failed to save mute")
		return
	}

	e, ok := s.mutes.Status(miner.ID)
	s.jsonResponse(w, s.muteStatus(miner.ID, e, ok))
}

// handleClearMute lifts a miner's mute
// DELETE /api/miners/{id}/mute
func (s *Server) handleClearMute(w http.ResponseWriter, r *http.Request) {
	miner := s.requireMiner(w, r)
	if miner == nil {
		return
	}
	if !s.mutes.Clear(miner.ID) {
		s.jsonError(w, http.StatusInternalServerError, "failed to clear mute")
		return
	}
	s.jsonResponse(w, s.muteStatus(miner.ID, mute.Entry{}, false))
}

// handleGetMutes lists every active mute
// GET /api/mutes
func (s *Server) handleGetMutes(w http.ResponseWriter, r *http.Request) {
	active := s.mutes.List()
	result := make([]MuteStatus, 0, len(active))
	for id, e := range active {
		result = append(result, s.muteStatus(id, e, true))
	}
	s.jsonResponse(w, result)
}

// handleGetSettings returns the current settings
// GET /api/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, s.settings.Current())
}

// handleSaveSettings merges the posted keys into the current settings
// POST /api/settings
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	defer r.Body.Close()

	var patch map[string]json.RawMessage
	if err := json.Unmarshal(body, &patch); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	old := s.settings.Current()
	merged := make(map[string]json.RawMessage)
	base, _ := json.Marshal(old)
	json.Unmarshal(base, &merged)
	for k, v := range patch {
		merged[k] = v
	}
	data, _ := json.Marshal(merged)

	next, err := config.Decode(data)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.settings.Save(next); err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved := s.settings.Current()

	if s.scheduler != nil {
		if err := s.scheduler.Reschedule(); err != nil {
			log.Errorf("rescheduling after settings change: %v", err)
		}
	}

	changed := !config.SameEndpoints(old, saved)
	if changed {
		log.Infof("miner endpoints changed, polling now")
		go s.poller.PollOnce(context.Background())
	}

	s.jsonResponse(w, map[string]interface{}{
		"success":          true,
		"settings":         saved,
		"endpointsChanged": changed,
	})
}

// handleTestWebhook sends a test message
// POST /api/test-webhook
func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WebhookURL string `json:"webhook_url"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.jsonError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	url := strings.TrimSpace(req.WebhookURL)
	if url == "" {
		url = s.settings.Current().WebhookURL
	}
	if url == "" {
		s.jsonResponse(w, map[string]interface{}{"success": false, "error": "No webhook URL provided"})
		return
	}

	if !s.alerts.SendTest(r.Context(), url) {
		s.jsonResponse(w, map[string]interface{}{"success": false, "error": "Failed to send test notification"})
		return
	}
	s.jsonResponse(w, map[string]bool{"success": true})
}

// handlePollNow runs a poll cycle and waits for it
// POST /api/poll-now
func (s *Server) handlePollNow(w http.ResponseWriter, r *http.Request) {
	n := s.poller.PollOnce(r.Context())
	if n < 0 {
		s.jsonError(w, http.StatusServiceUnavailable, "poll cycle still running")
		return
	}
	s.jsonResponse(w, map[string]interface{}{
		"success":      true,
		"polled_count": n,
	})
}

// ScanResponse represents the scan results
type ScanResponse struct {
	Subnets []string             `json:"subnets"`
	Results []scanner.ScanResult `json:"results"`
}

// handleScan looks for AxeOS miners that are not configured yet
// POST /api/scan
// Query params: subnet (default every local /24)
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	subnets := s.scanner.DetectAllSubnets()
	if v := r.URL.Query().Get("subnet"); v != "" {
		subnets = []string{v}
	}
	if len(subnets) == 0 {
		s.jsonError(w, http.StatusInternalServerError, "no network interfaces found")
		return
	}

	log.Infof("scanning subnets: %v", subnets)

	ctx, cancel := context.WithTimeout(r.Context(), 55*time.Second)
	defer cancel()

	configured := make(map[string]bool)
	for _, ep := range s.settings.Current().EndpointURLs() {
		configured[ep] = true
	}

	resp := ScanResponse{Subnets: subnets, Results: []scanner.ScanResult{}}
	seen := make(map[string]bool)
	for _, subnet := range subnets {
		results, err := s.scanner.Scan(ctx, subnet)
		if err != nil {
			log.Warnf("error scanning subnet %s: %v", subnet, err)
		}
		for _, result := range results {
			if seen[result.Endpoint] || configured[config.NormalizeEndpoint(result.Endpoint)] {
				continue
			}
			seen[result.Endpoint] = true
			resp.Results = append(resp.Results, result)
		}
	}

	s.jsonResponse(w, resp)
}

// handlePurge deletes old readings
// POST /api/purge
// Query params: days (default RETENTION_DAYS)
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	days := s.settings.Current().RetentionDays
	if d := r.URL.Query().Get("days"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed <= 0 {
			s.jsonError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = parsed
	}

	deleted, err := s.storage.PurgeOldReadings(r.Context(), days)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.storage.Vacuum(r.Context()); err != nil {
		log.Warnf("vacuum after purge failed: %v", err)
	}

	s.jsonResponse(w, map[string]interface{}{"success": true, "deleted": deleted})
}

// handleGetDBSize returns the database file size
// GET /api/dbsize
func (s *Server) handleGetDBSize(w http.ResponseWriter, r *http.Request) {
	size, err := s.storage.Size()
	if err != nil {
		s.jsonResponse(w, map[string]interface{}{
			"size":      0,
			"sizeHuman": "Unknown",
		})
		return
	}

	s.jsonResponse(w, map[string]interface{}{
		"size":      size,
		"sizeHuman": humanize.Bytes(uint64(size)),
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Errorf("failed to encode JSON response: %v", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		log.Errorf("failed to encode JSON error: %v", err)
	}
}
