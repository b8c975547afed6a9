package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"reliefdispatch/internal/auth"
	"reliefdispatch/internal/model"
	"reliefdispatch/internal/opt"
	"reliefdispatch/internal/store"
)

// RootHandler handles GET / and answers 404 for unrouted paths.
func (s *Server) RootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeMessage(w, http.StatusOK, RootMessage)
}

// AreasHandler handles POST/GET /v1/areas
func (s *Server) AreasHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !s.require(w, r, auth.RoleDispatcher) {
			return
		}
		areas, err := decodeAreas(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.Svc.RegisterAreas(r.Context(), areas); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Areas added", "areas": areas})
	case http.MethodGet:
		areas, err := s.Svc.ListAreas(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if areas == nil {
			areas = []model.Area{}
		}
		writeJSON(w, http.StatusOK, areas)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// TrucksHandler handles POST/GET /v1/trucks
func (s *Server) TrucksHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !s.require(w, r, auth.RoleDispatcher) {
			return
		}
		trucks, err := decodeTrucks(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.Svc.RegisterTrucks(r.Context(), trucks); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Trucks added", "trucks": trucks})
	case http.MethodGet:
		trucks, err := s.Svc.ListTrucks(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if trucks == nil {
			trucks = []model.Truck{}
		}
		writeJSON(w, http.StatusOK, trucks)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type assignmentsResponse struct {
	Message     string          `json:"message"`
	RunID       string          `json:"runId,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	CreatedAt   string          `json:"createdAt,omitempty"`
	Assignments []model.Outcome `json:"assignments"`
}

func newAssignmentsResponse(msg string, b model.Batch) assignmentsResponse {
	resp := assignmentsResponse{Message: msg, RunID: b.RunID, Mode: b.Mode, Assignments: b.Outcomes}
	if !b.CreatedAt.IsZero() {
		resp.CreatedAt = b.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	if resp.Assignments == nil {
		resp.Assignments = []model.Outcome{}
	}
	return resp
}

// AssignmentsHandler handles POST/GET/DELETE /v1/assignments
func (s *Server) AssignmentsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !s.require(w, r, auth.RoleDispatcher) {
			return
		}
		var mode opt.Mode
		if v := r.URL.Query().Get("mode"); v != "" {
			m, err := opt.ParseMode(v)
			if err != nil {
				writeError(w, r, invalid("Unknown mode %q, expected greedy or exhaustive", v))
				return
			}
			mode = m
		}
		batch, err := s.Svc.Run(r.Context(), mode)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newAssignmentsResponse("Assignments processed", batch))
	case http.MethodGet, http.MethodHead:
		batch, ok, err := s.Svc.Last(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !ok {
			batch = model.Batch{}
		}
		body, err := json.Marshal(newAssignmentsResponse("Assignments retrieved", batch))
		if err != nil {
			writeError(w, r, err)
			return
		}
		etag := fmt.Sprintf(`"%016x"`, xxh3.Hash(body))
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", "no-cache")
		if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(append(body, '\n'))
		}
	case http.MethodDelete:
		if !s.require(w, r, auth.RoleDispatcher) {
			return
		}
		if err := s.Svc.Clear(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, "Assignments cleared")
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func etagMatches(header, etag string) bool {
	for _, v := range strings.Split(header, ",") {
		v = strings.TrimSpace(v)
		if v == "*" || strings.TrimPrefix(v, "W/") == etag {
			return true
		}
	}
	return false
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.RoleAdmin) {
		return
	}
	if s.Webhooks == nil {
		writeProblem(w, http.StatusNotImplemented, "Not Implemented", "webhooks are not configured", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		req, err := decodeSubscription(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		sub, err := s.Webhooks.CreateSubscription(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		subs, err := s.Webhooks.ListSubscriptions(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if subs == nil {
			subs = []model.Subscription{}
		}
		for i := range subs {
			subs[i].Secret = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": subs})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !s.require(w, r, auth.RoleAdmin) {
		return
	}
	if s.Webhooks == nil {
		writeProblem(w, http.StatusNotImplemented, "Not Implemented", "webhooks are not configured", r.URL.Path)
		return
	}
	if err := s.Webhooks.DeleteSubscription(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries?status=&limit=
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !s.require(w, r, auth.RoleAdmin) {
		return
	}
	if s.Webhooks == nil {
		writeProblem(w, http.StatusNotImplemented, "Not Implemented", "webhooks are not configured", r.URL.Path)
		return
	}
	status := r.URL.Query().Get("status")
	switch status {
	case "", model.DeliveryPending, model.DeliveryRetry, model.DeliveryDelivered, model.DeliveryFailed:
	default:
		writeError(w, r, invalid("Unknown delivery status %q", status))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, r, invalid("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}
	items, err := s.Webhooks.ListWebhookDeliveries(r.Context(), status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.WebhookDelivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// RunMetricsHandler handles GET /v1/admin/run-metrics
func (s *Server) RunMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !s.require(w, r, auth.RoleAdmin) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modes": s.Svc.RunMetrics()})
}

// HealthHandler reports liveness.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler reports readiness: the inventory backend must answer a ping.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Svc.Inventory.Ping(r.Context()); err != nil {
		s.logger().WarnContext(r.Context(), "readiness check failed", "err", err)
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", r.URL.Path)
}
