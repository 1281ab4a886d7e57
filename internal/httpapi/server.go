package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cesi-keybox/keybox/server/internal/keybox/service"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

// EventProcessor runs one message through ingestion synchronously.
type EventProcessor interface {
	Process(ctx context.Context, msg service.Message) (service.Outcome, error)
}

type Dependencies struct {
	Logger   *log.Logger
	Addr     string
	Pipeline EventProcessor
	Store    store.EventStore
}

type Server struct {
	httpServer *http.Server
	logger     *log.Logger
	mux        *http.ServeMux
	pipeline   EventProcessor
	store      store.EventStore
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger:   d.Logger,
		mux:      mux,
		pipeline: d.Pipeline,
		store:    d.Store,
	}

	mux.HandleFunc("POST /v1/events", s.handleEvent)
	mux.HandleFunc("GET /v1/rooms", s.handleRooms)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := loggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// eventResponse reports what happened to a posted event.
type eventResponse struct {
	OK       bool             `json:"ok"`
	LogID    int64            `json:"log_id"`
	Class    types.EventClass `json:"class"`
	KeyValid bool             `json:"key_valid"`
	KeyName  string           `json:"key_name,omitempty"`
	Message  string           `json:"message"`
	Stage    service.Stage    `json:"stage"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	proto := isProtobuf(r)

	var (
		data []byte
		err  error
	)
	if proto {
		data, err = readStructAsJSON(r)
	} else {
		data, err = readBody(r)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_event", "unreadable request body")
		return
	}

	out, err := s.pipeline.Process(r.Context(), service.Message{
		Subject:    "http" + r.URL.Path,
		Data:       data,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, service.ErrMalformedEvent) {
			writeError(w, http.StatusBadRequest, "bad_event", err.Error())
			return
		}
		s.logger.Error("event ingestion failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	resp := eventResponse{
		OK:       true,
		LogID:    out.Entry.ID,
		Class:    out.Class,
		KeyValid: out.Entry.KeyValid,
		KeyName:  out.Entry.KeyName,
		Message:  out.Entry.Message,
		Stage:    out.Stage,
	}
	if proto {
		writeStruct(w, http.StatusCreated, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.RoomStates(r.Context())
	if err != nil {
		s.logger.Error("list rooms failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	rooms := make([]types.RoomState, 0, len(states))
	for _, st := range states {
		rooms = append(rooms, st)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })

	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
