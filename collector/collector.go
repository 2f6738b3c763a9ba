// Package collector is the receiving side of qoewatch: an HTTP service
// that accepts live snapshots (JSON) and session exports (CSV), stores
// every body in SQLite and answers the latency probe on /healthz.
//
// Stored sessions are listed over HTTP and through the MCP tools
// qoe_sessions and qoe_session, both backed by the same kit endpoints.
package collector

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/qoewatch/idgen"
	"github.com/hazyhaar/qoewatch/kit"
	"github.com/hazyhaar/qoewatch/qoewatch/record"
	"github.com/hazyhaar/qoewatch/shield"
	"github.com/hazyhaar/qoewatch/watch"
)

// DefaultMaxBody bounds request bodies.
const DefaultMaxBody = 8 << 20

// Collector serves the ingestion API.
type Collector struct {
	store   *Store
	logger  *slog.Logger
	newID   idgen.Generator
	now     func() time.Time
	maxBody int64

	maintenance *shield.MaintenanceMode
	limiter     *shield.RateLimiter
	stack       []func(http.Handler) http.Handler
	metrics     *metrics

	listSessions kit.Endpoint
	getSession   kit.Endpoint
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithIDGenerator sets the generator of record IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(c *Collector) { c.newID = gen }
}

// WithClock sets the receive timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithMaxBody sets the request body limit in bytes.
func WithMaxBody(n int64) Option {
	return func(c *Collector) { c.maxBody = n }
}

// New creates the collector tables and the shield tables in db.
func New(db *sql.DB, opts ...Option) (*Collector, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	if err := shield.Init(db); err != nil {
		return nil, err
	}
	c := &Collector{
		store:   store,
		logger:  slog.Default(),
		newID:   idgen.Prefixed("rcv_", idgen.UUIDv7()),
		now:     time.Now,
		maxBody: DefaultMaxBody,
		metrics: newMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	c.stack, c.maintenance, c.limiter = shield.CollectorStack(db, c.maxBody)

	c.listSessions = kit.WithLogging(c.logger, "list_sessions")(c.listSessionsEndpoint)
	c.getSession = kit.WithLogging(c.logger, "get_session")(c.getSessionEndpoint)
	return c, nil
}

// Store returns the underlying store.
func (c *Collector) Store() *Store { return c.store }

// Maintenance returns the ingestion pause switch.
func (c *Collector) Maintenance() *shield.MaintenanceMode { return c.maintenance }

// RateLimiter returns the per-endpoint rate limiter.
func (c *Collector) RateLimiter() *shield.RateLimiter { return c.limiter }

// StartReloaders refreshes the maintenance flag and rate limit rules
// until ctx is done: on a fixed period, and as soon as another connection
// writes to the database.
func (c *Collector) StartReloaders(ctx context.Context) {
	c.maintenance.StartReloader(ctx.Done())
	c.limiter.StartReloader(ctx.Done())
	w := watch.New(c.store.DB, watch.Options{Interval: 2 * time.Second, Logger: c.logger})
	go w.Run(ctx, func() error {
		c.maintenance.Reload()
		c.limiter.Reload()
		return nil
	})
}

// Handler returns the HTTP API. MCP is served on /mcp, Prometheus
// metrics on /metrics.
func (c *Collector) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range c.stack {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", c.metrics.handler())

	r.Post("/", c.handleLegacy)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/snapshots", c.handleSnapshot)
		r.Post("/sessions", c.handleSession)
		r.Get("/sessions", c.handleListSessions)
		r.Get("/sessions/{id}", c.handleSessionBody)
		r.Get("/sessions/{id}/summary", c.handleSessionSummary)
	})

	srv := mcp.NewServer(&mcp.Implementation{Name: "qoecollector", Version: "1.0.0"}, nil)
	c.RegisterMCP(srv)
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
	return r
}

// handleLegacy accepts any body on "/". CSV is stored as a session
// export, JSON that parses as a snapshot as a live record, anything else
// verbatim.
func (c *Collector) handleLegacy(w http.ResponseWriter, r *http.Request) {
	switch mediaType(r) {
	case record.CSVContentType:
		body, ok := c.readBody(w, r)
		if !ok {
			return
		}
		if snaps, err := record.DecodeCSV(bytes.NewReader(body)); err == nil {
			c.storeSession(w, r, body, snaps)
			return
		}
		c.storeRaw(w, r, body)
		return
	case record.JSONContentType:
		body, ok := c.readBody(w, r)
		if !ok {
			return
		}
		if snap, err := record.UnmarshalSnapshot(body); err == nil {
			c.storeSnapshot(w, r, body, snap)
			return
		}
		c.storeRaw(w, r, body)
		return
	}
	body, ok := c.readBody(w, r)
	if !ok {
		return
	}
	c.storeRaw(w, r, body)
}

func (c *Collector) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	body, ok := c.readBody(w, r)
	if !ok {
		return
	}
	snap, err := record.UnmarshalSnapshot(body)
	if err != nil {
		c.reject(w, http.StatusBadRequest, err)
		return
	}
	c.storeSnapshot(w, r, body, snap)
}

func (c *Collector) storeSnapshot(w http.ResponseWriter, r *http.Request, body []byte, snap *record.Snapshot) {
	rec := &Received{
		ID:          c.newID(),
		Kind:        KindSnapshot,
		ContentType: record.JSONContentType,
		Body:        body,
		SessionID:   snap.SessionID,
		Rows:        1,
		Freezes:     len(snap.Freezes),
		ReceivedAt:  c.now(),
	}
	if err := c.store.Insert(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	c.metrics.observeSnapshot(snap)
	shield.GetLogger(r.Context()).Debug("collector: snapshot received",
		"id", rec.ID, "session_id", rec.SessionID, "video_time", snap.VideoTime)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": rec.ID})
}

func (c *Collector) handleSession(w http.ResponseWriter, r *http.Request) {
	body, ok := c.readBody(w, r)
	if !ok {
		return
	}
	snaps, err := record.DecodeCSV(bytes.NewReader(body))
	if err != nil {
		c.reject(w, http.StatusBadRequest, err)
		return
	}
	c.storeSession(w, r, body, snaps)
}

func (c *Collector) storeSession(w http.ResponseWriter, r *http.Request, body []byte, snaps []record.Snapshot) {
	rec := &Received{
		ID:          c.newID(),
		Kind:        KindSession,
		ContentType: record.CSVContentType,
		Body:        body,
		SessionID:   kit.GetSessionID(r.Context()),
		Rows:        len(snaps),
		Freezes:     countFreezes(snaps),
		ReceivedAt:  c.now(),
	}
	if err := c.store.Insert(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	c.metrics.received.WithLabelValues(KindSession).Inc()
	shield.GetLogger(r.Context()).Info("collector: session received",
		"id", rec.ID, "rows", rec.Rows, "freezes", rec.Freezes)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      rec.ID,
		"rows":    rec.Rows,
		"freezes": rec.Freezes,
	})
}

func (c *Collector) storeRaw(w http.ResponseWriter, r *http.Request, body []byte) {
	rec := &Received{
		ID:          c.newID(),
		Kind:        KindRaw,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
		ReceivedAt:  c.now(),
	}
	if err := c.store.Insert(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	c.metrics.received.WithLabelValues(KindRaw).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"id": rec.ID})
}

func (c *Collector) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	resp, err := c.listSessions(withHTTP(r), &listSessionsRequest{Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *Collector) handleSessionBody(w http.ResponseWriter, r *http.Request) {
	rec, err := c.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if rec.Kind != KindSession {
		writeError(w, http.StatusNotFound, ErrNotFound)
		return
	}
	w.Header().Set("Content-Type", record.CSVContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(rec.Body)
}

func (c *Collector) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	resp, err := c.getSession(withHTTP(r), &getSessionRequest{ID: chi.URLParam(r, "id")})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- endpoints shared by HTTP and MCP ---

type listSessionsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type getSessionRequest struct {
	ID string `json:"id"`
}

func (c *Collector) listSessionsEndpoint(ctx context.Context, req any) (any, error) {
	rr := req.(*listSessionsRequest)
	list, err := c.store.List(ctx, KindSession, rr.Limit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*Received{}
	}
	return list, nil
}

func (c *Collector) getSessionEndpoint(ctx context.Context, req any) (any, error) {
	rr := req.(*getSessionRequest)
	if rr.ID == "" {
		return nil, errors.New("id is required")
	}
	rec, err := c.store.Get(ctx, rr.ID)
	if err != nil {
		return nil, err
	}
	if rec.Kind != KindSession {
		return nil, ErrNotFound
	}
	return Summarize(rec)
}

// --- helpers ---

func (c *Collector) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.reject(w, http.StatusRequestEntityTooLarge, err)
		} else {
			c.reject(w, http.StatusBadRequest, err)
		}
		return nil, false
	}
	if len(body) == 0 {
		c.reject(w, http.StatusBadRequest, errors.New("empty body"))
		return nil, false
	}
	return body, true
}

func (c *Collector) reject(w http.ResponseWriter, status int, err error) {
	c.metrics.rejected.WithLabelValues(strconv.Itoa(status)).Inc()
	writeError(w, status, err)
}

func withHTTP(r *http.Request) context.Context {
	return kit.WithTransport(r.Context(), kit.TransportHTTP)
}

func mediaType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

func statusOf(err error) int {
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprint(err)})
}
