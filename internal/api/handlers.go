package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/streamwatch/streamwatch/internal/monitor"
)

// Error kinds let callers distinguish failures without parsing messages.
const (
	kindInvalidRequest    = "invalid_request"
	kindInvalidName       = "invalid_name"
	kindNotFound          = "not_found"
	kindDuplicateName     = "duplicate_name"
	kindInvalidTransition = "invalid_transition"
	kindOversizedTarget   = "oversized_target"
	kindQuotaExhausted    = "quota_exhausted"
	kindUnauthorized      = "unauthorized"
	kindInternal          = "internal"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Ack confirms a lifecycle operation.
type Ack struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// CrawlerRow is one crawler in the summary listing.
type CrawlerRow struct {
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	State         string    `json:"state"`
	TargetCount   int       `json:"target_count"`
	Records       int64     `json:"records"`
	ActiveSeconds float64   `json:"active_seconds"`
	CreatedAt     time.Time `json:"created_at"`
}

// TierRow aggregates credential quota for one tier.
type TierRow struct {
	Tier        string `json:"tier"`
	Credentials int    `json:"credentials"`
	RulesUsed   int    `json:"rules_used"`
	RulesTotal  int    `json:"rules_total"`
}

// SessionRow describes one live streaming session.
type SessionRow struct {
	Credential    string   `json:"credential"`
	Crawlers      []string `json:"crawlers"`
	Records       int64    `json:"records"`
	Connected     bool     `json:"connected"`
	UptimeSeconds float64  `json:"uptime_seconds"`
}

// InfoResponse is the GET /v1/info payload.
type InfoResponse struct {
	Crawlers []CrawlerRow `json:"crawlers"`
	Tiers    []TierRow    `json:"tiers"`
	Sessions []SessionRow `json:"sessions"`
}

// RuleRow ties one remote rule to the credential hosting it.
type RuleRow struct {
	ID         string `json:"id"`
	Credential string `json:"credential"`
}

// ActivityRow is one recorded stretch of active streaming.
type ActivityRow struct {
	Start   time.Time `json:"start"`
	Seconds float64   `json:"seconds"`
}

// CrawlerDetail is the GET /v1/crawlers/{name} payload.
type CrawlerDetail struct {
	CrawlerRow
	Targets  []string      `json:"targets"`
	Rules    []RuleRow     `json:"rules"`
	Activity []ActivityRow `json:"activity"`
	DayFile  string        `json:"day_file"`
}

type trackRequest struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
}

type followRequest struct {
	Name     string   `json:"name"`
	Accounts []string `json:"accounts"`
}

func (s *Server) track(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeInvalid(w, "invalid JSON body")
		return
	}
	if len(req.Keywords) == 0 {
		s.writeInvalid(w, "keywords required")
		return
	}
	if err := s.svc.Track(r.Context(), req.Name, req.Keywords); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, Ack{Name: req.Name, State: "active"})
}

func (s *Server) follow(w http.ResponseWriter, r *http.Request) {
	var req followRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeInvalid(w, "invalid JSON body")
		return
	}
	if len(req.Accounts) == 0 {
		s.writeInvalid(w, "accounts required")
		return
	}
	if err := s.svc.Follow(r.Context(), req.Name, req.Accounts); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, Ack{Name: req.Name, State: "active"})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.svc.Pause(r.Context(), name); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Ack{Name: name, State: "paused"})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.svc.Resume(r.Context(), name); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Ack{Name: name, State: "active"})
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.svc.Delete(r.Context(), name); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Ack{Name: name, State: "deleted"})
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, toInfoResponse(s.svc.Info(r.Context())))
}

func (s *Server) infoCrawler(w http.ResponseWriter, r *http.Request) {
	det, err := s.svc.InfoCrawler(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toCrawlerDetail(det))
}

func (s *Server) writeInvalid(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: kindInvalidRequest})
}

// writeOpError maps a monitor failure to its error kind and status code.
func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	kind, status := classify(err)
	if status == http.StatusInternalServerError {
		s.log.Error("operation failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func classify(err error) (kind string, status int) {
	switch {
	case errors.Is(err, monitor.ErrInvalidName):
		return kindInvalidName, http.StatusBadRequest
	case errors.Is(err, monitor.ErrCrawlerNotFound):
		return kindNotFound, http.StatusNotFound
	case errors.Is(err, monitor.ErrDuplicateName):
		return kindDuplicateName, http.StatusConflict
	case errors.Is(err, monitor.ErrInvalidTransition):
		return kindInvalidTransition, http.StatusConflict
	case errors.Is(err, monitor.ErrOversizedTarget):
		return kindOversizedTarget, http.StatusUnprocessableEntity
	case errors.Is(err, monitor.ErrQuotaExhausted):
		return kindQuotaExhausted, http.StatusConflict
	default:
		return kindInternal, http.StatusInternalServerError
	}
}

func toInfoResponse(sum monitor.Summary) InfoResponse {
	out := InfoResponse{
		Crawlers: make([]CrawlerRow, len(sum.Crawlers)),
		Tiers:    make([]TierRow, len(sum.Tiers)),
		Sessions: make([]SessionRow, len(sum.Sessions)),
	}
	for i, c := range sum.Crawlers {
		out.Crawlers[i] = toCrawlerRow(c)
	}
	for i, t := range sum.Tiers {
		out.Tiers[i] = TierRow{
			Tier:        string(t.Tier),
			Credentials: t.Credentials,
			RulesUsed:   t.RulesUsed,
			RulesTotal:  t.RulesTotal,
		}
	}
	for i, sess := range sum.Sessions {
		out.Sessions[i] = SessionRow{
			Credential:    sess.Credential,
			Crawlers:      sess.Crawlers,
			Records:       sess.Records,
			Connected:     sess.Connected,
			UptimeSeconds: sess.Uptime.Seconds(),
		}
	}
	return out
}

func toCrawlerRow(c monitor.CrawlerSummary) CrawlerRow {
	return CrawlerRow{
		Name:          c.Name,
		Type:          string(c.Kind),
		State:         string(c.State),
		TargetCount:   c.TargetCount,
		Records:       c.Records,
		ActiveSeconds: c.ActiveFor.Seconds(),
		CreatedAt:     c.CreatedAt,
	}
}

func toCrawlerDetail(det monitor.Detail) CrawlerDetail {
	out := CrawlerDetail{
		CrawlerRow: toCrawlerRow(det.CrawlerSummary),
		Targets:    det.Targets,
		Rules:      make([]RuleRow, len(det.Rules)),
		Activity:   make([]ActivityRow, len(det.Activity)),
		DayFile:    det.DayFile,
	}
	for i, rule := range det.Rules {
		out.Rules[i] = RuleRow{ID: rule.ID, Credential: rule.Credential}
	}
	for i, seg := range det.Activity {
		out.Activity[i] = ActivityRow{Start: seg.Start, Seconds: seg.Duration.Seconds()}
	}
	return out
}
