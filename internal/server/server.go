// Package server exposes the JSON-over-HTTP RPC surface: request/reply
// Append and ReadAll/ReadStream, plus newline-delimited-JSON streaming
// Subscribe endpoints, built on net/http and encoding/json (see DESIGN.md
// for why fasthttp is not used here).
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventfolddb/eventfolddb/internal/auth"
	"github.com/eventfolddb/eventfolddb/internal/eventfold"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/engine"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/subscriber"
	"github.com/eventfolddb/eventfolddb/internal/eventfold/writer"
	"github.com/eventfolddb/eventfolddb/internal/metrics"
)

// Server wires the engine into an http.Handler.
type Server struct {
	engine  *engine.Engine
	gate    *auth.Gate
	metrics *metrics.Metrics
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New constructs a Server. m may be nil, in which case metrics are not
// recorded.
func New(e *engine.Engine, gate *auth.Gate, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: e, gate: gate, metrics: m, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/streams/{stream_id}/append", s.handleAppend)
	s.mux.HandleFunc("GET /v1/events", s.handleReadAll)
	s.mux.HandleFunc("GET /v1/streams/{stream_id}/events", s.handleReadStream)
	s.mux.HandleFunc("GET /v1/events/subscribe", s.handleSubscribeAll)
	s.mux.HandleFunc("GET /v1/streams/{stream_id}/subscribe", s.handleSubscribeStream)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// ServeHTTP makes Server an http.Handler, gating every route except
// /metrics and /healthz behind the auth Gate.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
		s.mux.ServeHTTP(w, r)
		return
	}
	s.gate.Middleware(s.mux).ServeHTTP(w, r)
}

type expectedVersionWire struct {
	Kind    string `json:"kind"`
	Version uint64 `json:"version,omitempty"`
}

type newEventWire struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Metadata  []byte `json:"metadata,omitempty"`
	Payload   []byte `json:"payload"`
}

type appendRequestWire struct {
	ExpectedVersion expectedVersionWire `json:"expected_version"`
	Events          []newEventWire      `json:"events"`
}

type appendResponseWire struct {
	FirstGlobalPosition uint64 `json:"first_global_position"`
	LastGlobalPosition  uint64 `json:"last_global_position"`
	FirstStreamVersion  uint64 `json:"first_stream_version"`
	LastStreamVersion   uint64 `json:"last_stream_version"`
}

type eventWire struct {
	EventID        string `json:"event_id"`
	StreamID       string `json:"stream_id"`
	StreamVersion  uint64 `json:"stream_version"`
	GlobalPosition uint64 `json:"global_position"`
	EventType      string `json:"event_type"`
	Metadata       []byte `json:"metadata,omitempty"`
	Payload        []byte `json:"payload"`
}

func toEventWire(e eventfold.RecordedEvent) eventWire {
	return eventWire{
		EventID:        e.EventID.String(),
		StreamID:       e.StreamID.String(),
		StreamVersion:  e.StreamVersion,
		GlobalPosition: e.GlobalPosition,
		EventType:      e.EventType,
		Metadata:       e.Metadata,
		Payload:        e.Payload,
	}
}

func parseExpectedVersion(w expectedVersionWire) (eventfold.ExpectedVersion, error) {
	switch strings.ToLower(w.Kind) {
	case "", "any":
		return eventfold.Any(), nil
	case "no_stream":
		return eventfold.NoStream(), nil
	case "stream_exists":
		return eventfold.StreamExists(), nil
	case "exact":
		return eventfold.Exact(w.Version), nil
	default:
		return eventfold.ExpectedVersion{}, &eventfold.InvalidArgumentError{Reason: "unknown expected_version.kind: " + w.Kind}
	}
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	streamID, err := uuid.Parse(r.PathValue("stream_id"))
	if err != nil {
		writeError(w, &eventfold.InvalidArgumentError{Reason: "malformed stream_id"})
		return
	}

	var wire appendRequestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, &eventfold.InvalidArgumentError{Reason: "malformed request body: " + err.Error()})
		return
	}
	expected, err := parseExpectedVersion(wire.ExpectedVersion)
	if err != nil {
		writeError(w, err)
		return
	}

	events := make([]writer.NewEvent, len(wire.Events))
	for i, e := range wire.Events {
		eventID, err := uuid.Parse(e.EventID)
		if err != nil {
			writeError(w, &eventfold.InvalidArgumentError{Reason: "malformed event_id"})
			return
		}
		events[i] = writer.NewEvent{EventID: eventID, EventType: e.EventType, Metadata: e.Metadata, Payload: e.Payload}
	}

	start := time.Now()
	result, err := s.engine.Append(r.Context(), streamID, expected, events)
	if s.metrics != nil && err == nil {
		s.metrics.ObserveAppend(time.Since(start), len(events), result.Replayed)
		s.metrics.DedupCacheSize.Set(float64(s.engine.DedupCacheLen()))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appendResponseWire{
		FirstGlobalPosition: result.FirstGlobalPosition,
		LastGlobalPosition:  result.LastGlobalPosition,
		FirstStreamVersion:  result.FirstStreamVersion,
		LastStreamVersion:   result.LastStreamVersion,
	})
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	fromPosition, err := parseUint64Query(r, "from_position", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	maxCount, err := parseIntQuery(r, "max_count", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.engine.ReadAll(fromPosition, maxCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventWires(events))
}

func (s *Server) handleReadStream(w http.ResponseWriter, r *http.Request) {
	streamID, err := uuid.Parse(r.PathValue("stream_id"))
	if err != nil {
		writeError(w, &eventfold.InvalidArgumentError{Reason: "malformed stream_id"})
		return
	}
	fromVersion, err := parseUint64Query(r, "from_version", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	maxCount, err := parseIntQuery(r, "max_count", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.engine.ReadStream(streamID, fromVersion, maxCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventWires(events))
}

func toEventWires(events []eventfold.RecordedEvent) []eventWire {
	out := make([]eventWire, len(events))
	for i, e := range events {
		out[i] = toEventWire(e)
	}
	return out
}

type streamMessageWire struct {
	Type   string     `json:"type"`
	Event  *eventWire `json:"event,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

func (s *Server) handleSubscribeAll(w http.ResponseWriter, r *http.Request) {
	fromPosition, err := parseUint64Query(r, "from_position", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	s.streamMessages(w, r, s.engine.SubscribeAll(r.Context(), fromPosition))
}

func (s *Server) handleSubscribeStream(w http.ResponseWriter, r *http.Request) {
	streamID, err := uuid.Parse(r.PathValue("stream_id"))
	if err != nil {
		writeError(w, &eventfold.InvalidArgumentError{Reason: "malformed stream_id"})
		return
	}
	fromVersion, err := parseUint64Query(r, "from_version", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	s.streamMessages(w, r, s.engine.SubscribeStream(r.Context(), streamID, fromVersion))
}

func (s *Server) streamMessages(w http.ResponseWriter, r *http.Request, messages <-chan subscriber.Message) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, &eventfold.InternalError{Cause: errors.New("response writer does not support streaming")})
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	if s.metrics != nil {
		s.metrics.SubscriberCount.Inc()
		defer s.metrics.SubscriberCount.Dec()
	}

	encoder := json.NewEncoder(w)
	for msg := range messages {
		var wire streamMessageWire
		switch msg.Kind {
		case subscriber.KindEvent:
			event := toEventWire(msg.Event)
			wire = streamMessageWire{Type: "event", Event: &event}
		case subscriber.KindCaughtUp:
			wire = streamMessageWire{Type: "caught_up"}
		case subscriber.KindError:
			wire = streamMessageWire{Type: "lagged", Reason: msg.Err.Error()}
		}
		if err := encoder.Encode(wire); err != nil {
			s.logger.Debug("subscriber write failed, client likely disconnected", "error", err)
			return
		}
		flusher.Flush()
		if msg.Kind == subscriber.KindError {
			return
		}
	}
}

func parseUint64Query(r *http.Request, key string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &eventfold.InvalidArgumentError{Reason: "malformed " + key}
	}
	return v, nil
}

func parseIntQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &eventfold.InvalidArgumentError{Reason: "malformed " + key}
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorWire struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps an internal error type to an HTTP status code.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.As(err, new(*eventfold.InvalidArgumentError)):
		status, code = http.StatusBadRequest, "invalid_argument"
	case errors.As(err, new(*eventfold.WrongExpectedVersionError)):
		status, code = http.StatusConflict, "failed_precondition"
	case errors.As(err, new(*eventfold.UnauthenticatedError)):
		status, code = http.StatusUnauthorized, "unauthenticated"
	case errors.As(err, new(*eventfold.DataLossError)):
		status, code = http.StatusInternalServerError, "data_loss"
	case errors.As(err, new(*eventfold.CorruptRecordError)), errors.As(err, new(*eventfold.InvalidHeaderError)), errors.As(err, new(*eventfold.InternalError)):
		status, code = http.StatusInternalServerError, "internal"
	}
	writeJSON(w, status, errorWire{Error: code, Message: err.Error()})
}
