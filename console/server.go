// Package console is the operator HTTP surface: JSON control endpoints,
// a websocket event feed and Prometheus metrics.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/rover-link/command"
	"github.com/user/rover-link/engine"
	"github.com/user/rover-link/gallery"
	"github.com/user/rover-link/link"
	"github.com/user/rover-link/logger"
	"github.com/user/rover-link/mission"
	"github.com/user/rover-link/phototransfer"
	"github.com/user/rover-link/protocol"
)

// Backend is the engine surface the console drives
type Backend interface {
	Status() engine.Status
	Scan(ctx context.Context, filter link.ScanFilter, onFound func(link.Device)) ([]link.Device, error)
	Connect(ctx context.Context, dev link.Device) error
	Disconnect(ctx context.Context)
	Send(ctx context.Context, cmd string) error
	Servo(ctx context.Context, ch protocol.ServoChannel, angle int) error
	StartKeepAlive(ctx context.Context, cmd string, interval time.Duration) error
	StopKeepAlive(ctx context.Context) error
	Capture(ctx context.Context) error
	CaptureAndWait(ctx context.Context) (phototransfer.Result, error)
	StartMission(ctx context.Context, id string) error
	StopMission(ctx context.Context) error
	Subscribe(buffer int) (<-chan engine.Event, func())
}

// Gallery lists and serves saved photos
type Gallery interface {
	List(missionID string) []gallery.Record
	Get(id string) (gallery.Record, bool)
	Read(id string) ([]byte, error)
}

// Option configures a Server
type Option func(*Server)

// WithGallery serves photos from g
func WithGallery(g Gallery) Option {
	return func(s *Server) { s.gallery = g }
}

// WithGatherer exposes g on /metrics (default: the global registry)
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// Server routes console requests to the backend
type Server struct {
	backend  Backend
	gallery  Gallery
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	router   chi.Router
}

// New builds the console router
func New(b Backend, opts ...Option) *Server {
	s := &Server{
		backend:  b,
		gatherer: prometheus.DefaultGatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/scan", s.handleScan)
	r.Post("/connect", s.handleConnect)
	r.Post("/disconnect", s.handleDisconnect)
	r.Post("/command", s.handleCommand)
	r.Post("/servo", s.handleServo)
	r.Post("/keepalive", s.handleKeepAlive)
	r.Delete("/keepalive", s.handleStopKeepAlive)
	r.Post("/capture", s.handleCapture)
	r.Post("/mission", s.handleStartMission)
	r.Delete("/mission", s.handleStopMission)
	r.Route("/photos", func(r chi.Router) {
		r.Get("/", s.handlePhotos)
		r.Get("/{id}", s.handlePhoto)
	})
	r.Get("/events", s.handleEvents)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router = r
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("console", "🌐 listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("console", "%s %s %d %v", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("console", "encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, link.ErrNotConnected),
		errors.Is(err, link.ErrBusy),
		errors.Is(err, phototransfer.ErrTransferActive),
		errors.Is(err, mission.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, command.ErrInvalidInterval):
		return http.StatusBadRequest
	case errors.Is(err, command.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gallery.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, link.ErrConnectFailed),
		errors.Is(err, link.ErrTransportUnavailable),
		errors.Is(err, command.ErrWriteFailed),
		errors.Is(err, phototransfer.ErrTimeout),
		errors.Is(err, phototransfer.ErrDeviceBusy):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func decode(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NamePrefix  string `json:"name_prefix"`
		ByServiceID bool   `json:"by_service"`
		All         bool   `json:"all"`
		Seconds     int    `json:"seconds"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	ctx := r.Context()
	if req.Seconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Seconds)*time.Second)
		defer cancel()
	}
	devices, err := s.backend.Scan(ctx, link.ScanFilter{
		NamePrefix:  req.NamePrefix,
		ByServiceID: req.ByServiceID,
		IncludeAll:  req.All,
	}, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	if devices == nil {
		devices = []link.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var dev link.Device
	if err := decode(r, &dev); err != nil || dev.Address == "" {
		badRequest(w, "address required")
		return
	}
	if err := s.backend.Connect(r.Context(), dev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.backend.Disconnect(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := decode(r, &req); err != nil || req.Command == "" {
		badRequest(w, "command required")
		return
	}
	if err := s.backend.Send(r.Context(), req.Command); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleServo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel int `json:"channel"`
		Angle   int `json:"angle"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	ch := protocol.ServoChannel(req.Channel)
	if ch != protocol.ServoPan && ch != protocol.ServoTilt {
		badRequest(w, "channel must be 1 (pan) or 2 (tilt)")
		return
	}
	if err := s.backend.Servo(r.Context(), ch, req.Angle); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command    string `json:"command"`
		IntervalMS int    `json:"interval_ms"`
	}
	if err := decode(r, &req); err != nil || req.Command == "" {
		badRequest(w, "command required")
		return
	}
	interval := time.Duration(req.IntervalMS) * time.Millisecond
	if err := s.backend.StartKeepAlive(r.Context(), req.Command, interval); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopKeepAlive(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.StopKeepAlive(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		if err := s.backend.Capture(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	res, err := s.backend.CaptureAndWait(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]interface{}{"id": res.Handle}
	if res.Asset != nil {
		body["size"] = res.Asset.Meta.Size
	}
	if res.Warning != nil {
		body["warning"] = res.Warning.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStartMission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.backend.StartMission(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopMission(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.StopMission(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePhotos(w http.ResponseWriter, r *http.Request) {
	if s.gallery == nil {
		writeJSON(w, http.StatusOK, []gallery.Record{})
		return
	}
	records := s.gallery.List(r.URL.Query().Get("mission"))
	if records == nil {
		records = []gallery.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	if s.gallery == nil {
		writeError(w, gallery.ErrNotFound)
		return
	}
	id := chi.URLParam(r, "id")
	rec, ok := s.gallery.Get(id)
	if !ok {
		writeError(w, gallery.ErrNotFound)
		return
	}
	data, err := s.gallery.Read(id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Disposition", "inline; filename=\""+rec.Filename+"\"")
	w.Write(data)
}
