package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/opd-ai/meshtalk/discovery"
	"github.com/opd-ai/meshtalk/identity"
	"github.com/opd-ai/meshtalk/limits"
	"github.com/opd-ai/meshtalk/messaging"
	"github.com/opd-ai/meshtalk/store"
	"github.com/sirupsen/logrus"
)

// Backend is the node surface the bridge serves.
type Backend interface {
	Identity() *identity.Manager
	Peers() []discovery.PeerRecord
	RemovePeer(ctx context.Context, username string) bool
	Send(ctx context.Context, recipient string, payloads []messaging.Payload) (*messaging.Message, error)
	History(ctx context.Context, peer string, limit int) ([]store.Record, error)
	Subscribe(buffer int) (<-chan messaging.Delivery, func())
	SubscribePeers(buffer int) (<-chan discovery.Event, func())
}

// Config holds the HTTP server settings.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64
	// HistoryLimit is the default page size of GET /messages/{peer}.
	HistoryLimit int
}

// DefaultConfig returns loopback-only defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:7474",
		ShutdownTimeout: 5 * time.Second,
		MaxBodyBytes:    limits.MaxProcessingBuffer,
		HistoryLimit:    100,
	}
}

// Server is the local HTTP bridge.
type Server struct {
	cfg     Config
	backend Backend
	router  *mux.Router

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// New creates a server for backend. Call Start to listen, or mount
// Handler elsewhere.
func New(backend Backend, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	s := &Server{cfg: cfg, backend: backend}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/identity", s.getIdentity()).Methods(http.MethodGet)
	r.HandleFunc("/identity", s.generateIdentity()).Methods(http.MethodPost)
	r.HandleFunc("/identity", s.clearIdentity()).Methods(http.MethodDelete)
	r.HandleFunc("/identity/bundle", s.exportBundle()).Methods(http.MethodGet)
	r.HandleFunc("/identity/bundle", s.importBundle()).Methods(http.MethodPut)
	r.HandleFunc("/peers", s.listPeers()).Methods(http.MethodGet)
	r.HandleFunc("/peers/{name}", s.removePeer()).Methods(http.MethodDelete)
	r.HandleFunc("/messages", s.sendMessage()).Methods(http.MethodPost)
	r.HandleFunc("/messages/{peer}", s.history()).Methods(http.MethodGet)
	r.HandleFunc("/events", s.events()).Methods(http.MethodGet)
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on Config.Addr and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.srv = srv
	s.listener = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Server.Start",
				"error":    err.Error(),
			}).Error("Bridge server failed")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Server.Start",
		"addr":     ln.Addr().String(),
	}).Info("Bridge listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) getIdentity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, state := s.backend.Identity().Current()
		writeJSON(w, http.StatusOK, newIdentityView(id, state))
	}
}

func (s *Server) generateIdentity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if !s.decode(w, r, &req) {
			return
		}
		var validity time.Duration
		if req.Validity != "" {
			d, err := time.ParseDuration(req.Validity)
			if err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, "invalid validity")
				return
			}
			validity = d
		}

		id, err := s.backend.Identity().Generate(r.Context(), req.DisplayName, validity)
		if err != nil {
			s.fail(w, "Server.generateIdentity", err)
			return
		}
		writeJSON(w, http.StatusCreated, newIdentityView(id, identity.StateActive))
	}
}

func (s *Server) clearIdentity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.backend.Identity().Clear(r.Context()); err != nil {
			s.fail(w, "Server.clearIdentity", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) exportBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bundle, err := s.backend.Identity().ExportBundle()
		if err != nil {
			s.fail(w, "Server.exportBundle", err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(bundle)
	}
}

func (s *Server) importBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "bundle too large")
			return
		}
		id, err := s.backend.Identity().ImportBundle(r.Context(), data)
		if err != nil {
			s.fail(w, "Server.importBundle", err)
			return
		}
		writeJSON(w, http.StatusOK, newIdentityView(id, identity.StateActive))
	}
}

func (s *Server) listPeers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peers := s.backend.Peers()
		out := make([]peerView, 0, len(peers))
		for _, p := range peers {
			out = append(out, newPeerView(p))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) removePeer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if !s.backend.RemovePeer(r.Context(), name) {
			writeError(w, http.StatusNotFound, "unknown peer")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) sendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.Recipient == "" {
			writeError(w, http.StatusBadRequest, "recipient is required")
			return
		}

		payloads := make([]messaging.Payload, 0, len(req.Payloads)+1)
		if req.Text != "" {
			payloads = append(payloads, messaging.Payload{MimeType: messaging.MimeText, Data: []byte(req.Text)})
		}
		for _, p := range req.Payloads {
			payloads = append(payloads, messaging.Payload{MimeType: p.MimeType, Data: p.Data, Metadata: p.Metadata})
		}

		msg, err := s.backend.Send(r.Context(), req.Recipient, payloads)
		if err != nil {
			s.fail(w, "Server.sendMessage", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": msg.ID})
	}
}

func (s *Server) history() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peer := mux.Vars(r)["peer"]
		limit := s.cfg.HistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}
		recs, err := s.backend.History(r.Context(), peer, limit)
		if err != nil {
			s.fail(w, "Server.history", err)
			return
		}
		writeJSON(w, http.StatusOK, recordsView(recs))
	}
}

// decode reads a JSON request body. Requiring the JSON content type keeps
// browsers from posting here cross-origin without a preflight.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return false
	}
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// fail maps domain errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, function string, err error) {
	status := statusFor(err)
	fields := logrus.Fields{
		"function": function,
		"status":   status,
		"error":    err.Error(),
	}
	if status >= http.StatusInternalServerError {
		logrus.WithFields(fields).Error("Request failed")
	} else {
		logrus.WithFields(fields).Debug("Request rejected")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, messaging.ErrUnknownPeer):
		return http.StatusNotFound
	case errors.Is(err, messaging.ErrNoIdentity), errors.Is(err, identity.ErrNoIdentity):
		return http.StatusConflict
	case errors.Is(err, identity.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, messaging.ErrEmptyMessage),
		errors.Is(err, limits.ErrPayloadTooLarge),
		errors.Is(err, identity.ErrEmptyDisplayName),
		errors.Is(err, identity.ErrInvalidKeyLength),
		errors.Is(err, identity.ErrMalformedBundle),
		errors.Is(err, identity.ErrMalformedCertificate),
		errors.Is(err, identity.ErrKeyMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err.Error(),
		}).Debug("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
