// Package wssink carries subscription traffic over websockets: dispatched
// events flow out through a Sink, acks and naks flow back as JSON frames,
// and Handler glues a consumer connection to the engine for its lifetime.
package wssink

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kestrelio/subengine/internal/logging"
	"github.com/kestrelio/subengine/internal/subscription"
)

const writeWait = 10 * time.Second

// EventFrame is the server-to-client frame for a dispatched event.
type EventFrame struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
	EventNumber   int64  `json:"event_number"`
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	Data          []byte `json:"data,omitempty"`
	Metadata      []byte `json:"metadata,omitempty"`
}

// ClientFrame is any client-to-server frame: the initial subscribe,
// followed by acks and naks.
type ClientFrame struct {
	Type               string   `json:"type"`
	AllowedOutstanding int      `json:"allowed_outstanding,omitempty"`
	User               string   `json:"user,omitempty"`
	Action             string   `json:"action,omitempty"`
	EventIDs           []string `json:"event_ids,omitempty"`
}

// Sink delivers dispatched events over one websocket connection. Writes
// are serialized and bounded by a deadline so a stalled peer cannot block
// the engine; an undelivered event simply times out and requeues.
type Sink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSink wraps an established connection.
func NewSink(conn *websocket.Conn) *Sink {
	return &Sink{conn: conn}
}

// Send implements subscription.ReplySink.
func (s *Sink) Send(ev subscription.DispatchedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(EventFrame{
		Type:          "event",
		CorrelationID: ev.CorrelationID,
		EventNumber:   ev.Event.EventNumber,
		EventID:       ev.Event.EventID.String(),
		EventType:     ev.Event.EventType,
		Data:          ev.Event.Data,
		Metadata:      ev.Event.Metadata,
	})
}

// Handler upgrades consumer connections and runs their read loop. The
// first frame must be a subscribe; every later ack/nak frame is forwarded
// to the engine, and the client is deregistered when the read loop ends.
type Handler struct {
	engine   *subscription.Engine
	log      *logging.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler for one engine.
func NewHandler(engine *subscription.Engine, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Handler{engine: engine, log: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	go h.serve(conn, r.RemoteAddr)
}

func (h *Handler) serve(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()

	var subscribe ClientFrame
	if err := conn.ReadJSON(&subscribe); err != nil || subscribe.Type != "subscribe" {
		h.log.Warn("expected subscribe frame", logging.String("remote", remoteAddr), logging.Error(err))
		return
	}
	allowed := subscribe.AllowedOutstanding
	if allowed <= 0 {
		allowed = 10
	}

	correlationID := uuid.New().String()
	sink := NewSink(conn)
	if err := h.engine.AddClient(remoteAddr, correlationID, sink, allowed, remoteAddr, subscribe.User); err != nil {
		h.log.Warn("client registration refused", logging.String("remote", remoteAddr), logging.Error(err))
		return
	}
	defer h.engine.RemoveClient(correlationID)

	log := h.log.With(
		logging.Correlation(correlationID),
		logging.String("remote", remoteAddr),
	)
	log.Info("consumer joined", logging.Int("allowed_outstanding", allowed))

	for {
		var frame ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("consumer connection dropped", logging.Error(err))
			} else {
				log.Info("consumer left")
			}
			return
		}
		switch frame.Type {
		case "ack":
			h.engine.Ack(correlationID, parseEventIDs(log, frame.EventIDs)...)
		case "nak":
			h.engine.Nak(correlationID, parseNakAction(frame.Action), parseEventIDs(log, frame.EventIDs)...)
		default:
			log.Warn("unknown frame type", logging.String("type", frame.Type))
		}
	}
}

func parseEventIDs(log *logging.Logger, raw []string) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			log.Warn("malformed event id", logging.String("event_id", s))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func parseNakAction(raw string) subscription.NakAction {
	switch raw {
	case "park":
		return subscription.NakPark
	case "skip":
		return subscription.NakSkip
	default:
		return subscription.NakRetry
	}
}
