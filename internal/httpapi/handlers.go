// Package httpapi bundles the operational HTTP surface of the
// subscription engine service: health, status, parked-event inspection,
// Prometheus metrics, and an authorised append endpoint that doubles as
// the live push feed.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kestrelio/subengine/internal/logging"
	"github.com/kestrelio/subengine/internal/subscription"
)

// AppendFunc persists a batch of events to the backing log and returns
// the stamped copies. The server forwards each stamped event to the
// engine as a live push.
type AppendFunc func(ctx context.Context, events []subscription.StreamEvent) ([]subscription.StreamEvent, error)

// Options configures the HandlerSet. AppendLimit gates how frequently
// the append endpoint may be invoked; nil disables the gate.
type Options struct {
	Logger      *logging.Logger
	Engine      *subscription.Engine
	Append      AppendFunc
	Metrics     http.Handler
	AdminToken  string
	AppendLimit *rate.Limiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the service's operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	engine      *subscription.Engine
	append      AppendFunc
	metrics     http.Handler
	adminToken  string
	appendLimit *rate.Limiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		engine:      opts.Engine,
		append:      opts.Append,
		metrics:     opts.Metrics,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		appendLimit: opts.AppendLimit,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/status", h.StatusHandler())
	mux.HandleFunc("/parked", h.ParkedHandler())
	mux.HandleFunc("/append", h.AppendHandler())
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// StatusHandler reports the engine snapshot.
func (h *HandlerSet) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.engine == nil {
			http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, h.engine.Stats())
	}
}

// ParkedHandler lists events removed from dispatch, either after
// exhausting their retry budget or because a client nak'd them with park.
func (h *HandlerSet) ParkedHandler() http.HandlerFunc {
	type parkedEntry struct {
		EventNumber int64  `json:"event_number"`
		EventID     string `json:"event_id"`
		EventType   string `json:"event_type"`
		RetryCount  int    `json:"retry_count"`
		LastError   string `json:"last_error"`
		ParkedAt    string `json:"parked_at"`
	}
	type response struct {
		Parked []parkedEntry `json:"parked"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.engine == nil {
			http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
			return
		}
		snapshot := h.engine.ParkedEvents()
		resp := response{Parked: make([]parkedEntry, 0, len(snapshot))}
		for _, p := range snapshot {
			resp.Parked = append(resp.Parked, parkedEntry{
				EventNumber: p.Event.EventNumber,
				EventID:     p.Event.EventID.String(),
				EventType:   p.Event.EventType,
				RetryCount:  p.RetryCount,
				LastError:   p.LastError,
				ParkedAt:    p.ParkedAt.UTC().Format(time.RFC3339Nano),
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// AppendHandler authorises and persists producer events, then offers the
// stamped copies to the engine as live pushes.
func (h *HandlerSet) AppendHandler() http.HandlerFunc {
	type appendEvent struct {
		EventType string          `json:"event_type"`
		Data      json.RawMessage `json:"data,omitempty"`
		Metadata  json.RawMessage `json:"metadata,omitempty"`
	}
	type request struct {
		Events []appendEvent `json:"events"`
	}
	type response struct {
		Status      string `json:"status"`
		FirstNumber int64  `json:"first_number"`
		LastNumber  int64  `json:"last_number"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "append"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("append denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("append denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.appendLimit != nil && !h.appendLimit.Allow() {
			reqLogger.Warn("append denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.append == nil {
			http.Error(w, "append is unavailable", http.StatusServiceUnavailable)
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if len(req.Events) == 0 {
			http.Error(w, "events must not be empty", http.StatusBadRequest)
			return
		}
		events := make([]subscription.StreamEvent, 0, len(req.Events))
		for _, ev := range req.Events {
			if strings.TrimSpace(ev.EventType) == "" {
				http.Error(w, "event_type must not be empty", http.StatusBadRequest)
				return
			}
			events = append(events, subscription.StreamEvent{
				EventType: ev.EventType,
				Data:      []byte(ev.Data),
				Metadata:  []byte(ev.Metadata),
			})
		}

		stamped, err := h.append(r.Context(), events)
		if err != nil {
			reqLogger.Error("append failed", logging.Error(err))
			http.Error(w, "failed to append events", http.StatusInternalServerError)
			return
		}
		if h.engine != nil {
			for _, ev := range stamped {
				h.engine.NotifyLiveEvent(ev)
			}
		}
		reqLogger.Info("events appended",
			logging.Int("count", len(stamped)),
			logging.Int64("first_number", stamped[0].EventNumber))
		writeJSON(w, http.StatusAccepted, response{
			Status:      "accepted",
			FirstNumber: stamped[0].EventNumber,
			LastNumber:  stamped[len(stamped)-1].EventNumber,
		})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token := ""
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
