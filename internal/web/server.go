package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"media-recompressor/internal/batch"
	"media-recompressor/internal/compressor"
	"media-recompressor/internal/config"
	"media-recompressor/internal/eventlog"
	"media-recompressor/internal/failure"
	"media-recompressor/internal/registry"
	"media-recompressor/internal/statistics"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// BatchStepper runs one batch step.
type BatchStepper interface {
	Step(ctx context.Context, req batch.Request) (*batch.Progress, error)
}

// AssetService handles single-asset requests.
type AssetService interface {
	CompressAsset(ctx context.Context, id uint, trigger compressor.Trigger) (*compressor.Outcome, error)
	MarkForRecompression(ctx context.Context, id uint) error
	Ingest(ctx context.Context, up compressor.Upload) (*compressor.Outcome, error)
}

// EventStore is the read and maintenance side of the event log.
type EventStore interface {
	Aggregate(ctx context.Context) (*eventlog.Aggregate, error)
	AggregateSince(ctx context.Context, since time.Time) (*eventlog.Aggregate, error)
	Totals(ctx context.Context) (*eventlog.Counters, error)
	Recent(ctx context.Context, limit int, category eventlog.Category) ([]eventlog.Event, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// Sweeper removes orphaned transaction backups and temp files.
type Sweeper interface {
	Sweep(maxAge time.Duration, roots ...string) (int, error)
}

// Deps wires a Server.
type Deps struct {
	Config  *config.Config
	Batches BatchStepper
	Assets  AssetService
	Events  EventStore
	Sweeper Sweeper
	Stats   *statistics.Statistics
	Logger  *logrus.Logger
}

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex

	batches BatchStepper
	assets  AssetService
	events  EventStore
	sweeper Sweeper
	stats   *statistics.Statistics

	// Number of batch steps currently running.
	running int32
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type IngestRequest struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

type batchResponse struct {
	Success bool `json:"success"`
	*batch.Progress
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(d Deps) *Server {
	s := &Server{
		cfg:       d.Config,
		log:       d.Logger,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		batches: d.Batches,
		assets:  d.Assets,
		events:  d.Events,
		sweeper: d.Sweeper,
		stats:   d.Stats,
	}
	if s.stats == nil {
		s.stats = statistics.NewStatistics()
	}

	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/batch", s.handleBatch).Methods("POST")
	api.HandleFunc("/assets/{id:[0-9]+}/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/assets/{id:[0-9]+}/recompress", s.handleRecompress).Methods("POST")
	api.HandleFunc("/ingest", s.handleIngest).Methods("POST")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/logs", s.handleLogs).Methods("GET")
	api.HandleFunc("/maintenance/sweep", s.handleSweep).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)

	for _, r := range []*mux.Router{s.router, api} {
		r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
		r.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, fmt.Sprintf("No route for %s %s", r.Method, r.URL.Path), http.StatusNotFound)
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, fmt.Sprintf("Method %s not allowed on %s", r.Method, r.URL.Path), http.StatusMethodNotAllowed)
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// NotifyProgress pushes a batch report to WebSocket clients.
func (s *Server) NotifyProgress(p *batch.Progress) {
	s.broadcastWSMessage("batch_progress", p)
}

// NotifyCompressed pushes a single-asset result to WebSocket clients.
func (s *Server) NotifyCompressed(o *compressor.Outcome) {
	s.broadcastWSMessage("asset_compressed", o)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running":         atomic.LoadInt32(&s.running) > 0,
			"auto_compress":   s.cfg.Compression.AutoCompress,
			"batch_size":      s.cfg.Batch.BatchSize,
			"statistics":      s.stats.Snapshot(),
			"websocket_peers": s.clientCount(),
		},
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	atomic.AddInt32(&s.running, 1)
	defer atomic.AddInt32(&s.running, -1)

	p, err := s.batches.Step(r.Context(), req)
	if errors.Is(err, batch.ErrRunStartRequired) {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.WithError(err).Error("Batch step failed")
		s.writeError(w, fmt.Sprintf("Batch failed: %v", err), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, batchResponse{Success: true, Progress: p})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.assetID(w, r)
	if !ok {
		return
	}
	out, err := s.assets.CompressAsset(r.Context(), id, compressor.TriggerManual)
	if err != nil {
		s.writeAssetError(w, err)
		return
	}
	s.writeJSON(w, out)
}

func (s *Server) handleRecompress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.assetID(w, r)
	if !ok {
		return
	}
	if err := s.assets.MarkForRecompression(r.Context(), id); err != nil {
		s.writeAssetError(w, err)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Asset %d marked for recompression", id),
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		s.writeError(w, "Path is required", http.StatusBadRequest)
		return
	}

	out, err := s.assets.Ingest(r.Context(), compressor.Upload{Path: req.Path, Size: req.Size, DeclaredType: req.Type})
	if err != nil {
		s.writeAssetError(w, err)
		return
	}
	s.writeJSON(w, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var agg *eventlog.Aggregate
	if since.IsZero() {
		agg, err = s.events.Aggregate(r.Context())
	} else {
		agg, err = s.events.AggregateSince(r.Context(), since)
	}
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to read statistics: %v", err), http.StatusInternalServerError)
		return
	}
	totals, err := s.events.Totals(r.Context())
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to read statistics: %v", err), http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"aggregate": agg,
		"lifetime": map[string]interface{}{
			"compressions":          totals.Compressions,
			"total_original_size":   totals.TotalOriginalSize,
			"total_compressed_size": totals.TotalCompressedSize,
			"total_saved":           totals.Saved(),
			"total_saved_human":     statistics.FormatBytes(totals.Saved()),
		},
		"process": s.stats.Snapshot(),
		"summary": s.stats.GetSummary(),
	}
	if !since.IsZero() {
		data["since"] = since
	}
	s.writeJSON(w, APIResponse{Success: true, Data: data})
}

// parseSince accepts an RFC 3339 time or a duration counted back from now.
// An empty value means no window.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid since %q: want RFC 3339 time or positive duration", v)
	}
	return now.Add(-d), nil
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	category := eventlog.Category(q.Get("category"))
	if category != "" && !category.Valid() {
		s.writeError(w, "Invalid category", http.StatusBadRequest)
		return
	}

	events, err := s.events.Recent(r.Context(), limit, category)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to read logs: %v", err), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: events})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	removed, err := s.sweeper.Sweep(s.cfg.Storage.OrphanMaxAge, s.cfg.Storage.LibraryRoot)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Sweep failed: %v", err), http.StatusInternalServerError)
		return
	}
	deleted, err := s.events.Cleanup(r.Context(), s.cfg.EventLog.RetentionDays)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Event cleanup failed: %v", err), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: fmt.Sprintf("Removed %d orphaned transaction files and %d old events", removed, deleted),
		Data: map[string]interface{}{
			"files_removed":  removed,
			"events_deleted": deleted,
		},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

func (s *Server) clientCount() int {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	return len(s.wsClients)
}

// broadcastWSMessage holds the client lock while writing: a connection
// supports only one concurrent writer.
func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) assetID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		s.writeError(w, "Invalid asset id", http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}

func (s *Server) writeAssetError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		s.writeError(w, err.Error(), http.StatusNotFound)
	case failure.Is(err, failure.KindSourceUnreadable):
		s.writeError(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.WithError(err).Error("Asset request failed")
		s.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
