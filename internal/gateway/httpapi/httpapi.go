// Package httpapi implements the HTTP API gateway for Hesabu.
//
// Every request is bound to a session derived from transport headers:
// the client's User-Agent plus an optional X-Client-Platform tag, or a
// previously issued X-Session-ID token. Uploads, exports, configuration,
// and script execution are all scoped to that session's workspace.
//
// Security:
//   - Per-session rate limiting via token bucket
//   - Upload and request body size limits
//   - Filenames sanitized before they touch the filesystem
//   - Credentials never appear in responses or logs (redacted views only)
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/hesabu/internal/analyzer"
	"github.com/jkaninda/hesabu/internal/gateway"
	events "github.com/jkaninda/hesabu/internal/gateway/ws"
	"github.com/jkaninda/hesabu/internal/identity"
	"github.com/jkaninda/hesabu/internal/observability"
	"github.com/jkaninda/hesabu/internal/ratelimit"
	"github.com/jkaninda/hesabu/internal/registry"
	"github.com/jkaninda/hesabu/internal/runner"
	"github.com/jkaninda/hesabu/internal/tabular"
	"github.com/jkaninda/hesabu/internal/workspace"
)

const (
	defaultMaxUploadSize = 50 << 20 // 50 MB
	multipartMemory      = 8 << 20  // buffered in memory before spilling to disk

	headerSessionID = "X-Session-ID"
	headerPlatform  = "X-Client-Platform"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr    string // e.g., ":8080"
	EnableDocs    bool
	MaxUploadSize int64 // Maximum upload body in bytes. 0 = 50 MB default.
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	sessions *registry.Registry
	store    *workspace.Store
	runner   *runner.Runner
	analyzer *analyzer.Analyzer
	limiter  *ratelimit.Limiter
	hub      *events.Hub // nil = event feed disabled.
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, sessions *registry.Registry, store *workspace.Store, run *runner.Runner, an *analyzer.Analyzer, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxUpload := cfg.MaxUploadSize
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadSize
	}
	cfg.MaxUploadSize = maxUpload
	return &Gateway{
		config:   cfg,
		sessions: sessions,
		store:    store,
		runner:   run,
		analyzer: an,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(multipartMemory)),
	}
}

// WithEventHub attaches the WebSocket event feed, mounted at /ws/events.
func (g *Gateway) WithEventHub(hub *events.Hub) *Gateway {
	g.hub = hub
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Hesabu",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Session-bound /v1 group. Metrics middleware runs outside session
	// derivation so rejected requests are counted too.
	g.group = g.okapi.Group("/v1",
		observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer),
		g.session,
	)

	g.group.Get("/session", g.handleSession,
		okapi.DocSummary("Describe the current session"),
		okapi.DocTags("Session"),
		okapi.DocResponse(SessionResponse{}),
	)
	g.group.Delete("/session", g.handleSessionDelete,
		okapi.DocSummary("Purge the current session and all its files"),
		okapi.DocTags("Session"),
		okapi.DocResponse(map[string]string{}),
	)

	g.group.Post("/files", g.handleUpload,
		okapi.DocSummary("Upload one or more files into the session workspace"),
		okapi.DocTags("Files"),
		okapi.DocResponse(UploadResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
	)
	g.group.Get("/files", g.handleListUploads,
		okapi.DocSummary("List uploaded files"),
		okapi.DocTags("Files"),
		okapi.DocResponse([]workspace.FileInfo{}),
	)
	g.group.Get("/files/{name}", g.handleDownloadUpload,
		okapi.DocSummary("Download an uploaded file"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("name", "string", "Stored or original filename"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/exports", g.handleListExports,
		okapi.DocSummary("List files produced by script runs"),
		okapi.DocTags("Files"),
		okapi.DocResponse([]workspace.FileInfo{}),
	)
	g.group.Get("/exports/{name}", g.handleDownloadExport,
		okapi.DocSummary("Download a produced file"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("name", "string", "Stored filename"),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	g.group.Get("/config", g.handleConfigGet,
		okapi.DocSummary("Get the session's model configuration (credential redacted)"),
		okapi.DocTags("Config"),
		okapi.DocResponse(workspace.RedactedConfig{}),
	)
	g.group.Put("/config", g.handleConfigPut,
		okapi.DocSummary("Update the session's model configuration"),
		okapi.DocTags("Config"),
		okapi.DocRequestBody(ConfigRequest{}),
		okapi.DocResponse(workspace.RedactedConfig{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Run a script in the sandbox against the session's files"),
		okapi.DocTags("Execute"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(runner.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/analyze", g.handleAnalyze,
		okapi.DocSummary("Ask the configured model a question about the uploaded tables"),
		okapi.DocTags("Analyze"),
		okapi.DocRequestBody(AnalyzeRequest{}),
		okapi.DocResponse(AnalyzeResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)

	g.group.Get("/stats", g.handleStats,
		okapi.DocSummary("Service-wide session and storage statistics"),
		okapi.DocTags("Stats"),
		okapi.DocResponse(StatsResponse{}),
	)

	// WebSocket event feed.
	if g.hub != nil {
		g.okapi.HandleStd("GET", "/ws/events", g.hub.Handler(g.resolveSession).ServeHTTP)
	}

	// Observability endpoints (no session binding).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	readTimeout := g.config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	writeTimeout := g.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 120 * time.Second
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Session binding ---

// resolveSession maps a raw request to its session id. Shared by the
// middleware and the WebSocket upgrade path.
func (g *Gateway) resolveSession(r *http.Request) (identity.SessionID, error) {
	sig := identity.Signature{
		UserAgent: r.UserAgent(),
		Platform:  r.Header.Get(headerPlatform),
	}
	return identity.DeriveOrAccept(sig, r.Header.Get(headerSessionID), time.Now()), nil
}

// session derives the session id, applies the rate limit, and records
// the touch in the registry. The id is echoed back so clients can store
// it and survive the derivation window rolling over.
func (g *Gateway) session(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		id, _ := g.resolveSession(c.Request())

		if g.limiter != nil {
			if err := g.limiter.Allow(string(id)); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}

		g.sessions.Touch(c.Context(), id, filepath.Join(g.store.Base(), string(id)))
		if m := g.config.Metrics; m != nil {
			m.SessionsTouchedTotal.Inc()
			m.ActiveSessions.Set(float64(g.sessions.Stats().ActiveSessions))
		}

		c.Response().Header().Set(headerSessionID, string(id))
		c.Set("sessionID", string(id))
		return next(c)
	}
}

// sessionID returns the id bound by the session middleware.
func sessionID(c *okapi.Context) identity.SessionID {
	return identity.SessionID(c.GetString("sessionID"))
}

// --- Session handlers ---

// SessionResponse is the JSON response for GET /v1/session.
type SessionResponse struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Uploads    int       `json:"uploads"`
	Exports    int       `json:"exports"`
}

func (g *Gateway) handleSession(c *okapi.Context) error {
	id := sessionID(c)
	rec, ok := g.sessions.Get(id)
	if !ok {
		return c.AbortInternalServerError("session not tracked")
	}

	uploads, _ := g.store.ListUploads(id)
	exports, _ := g.store.ListExports(id)

	return c.OK(SessionResponse{
		ID:         string(rec.ID),
		CreatedAt:  rec.CreatedAt,
		LastSeenAt: rec.LastSeenAt,
		Uploads:    len(uploads),
		Exports:    len(exports),
	})
}

func (g *Gateway) handleSessionDelete(c *okapi.Context) error {
	id := sessionID(c)

	if err := g.sessions.Remove(c.Context(), id, g.store); err != nil {
		g.logger.Error("session purge failed",
			slog.String("session_id", string(id)),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("purge failed")
	}

	if g.limiter != nil {
		g.limiter.Forget(string(id))
	}
	if m := g.config.Metrics; m != nil {
		m.SessionsPurgedTotal.Inc()
		m.ActiveSessions.Set(float64(g.sessions.Stats().ActiveSessions))
	}
	if g.hub != nil {
		g.hub.Publish(id, events.EventSessionPurged, nil)
	}

	g.logger.Info("session purged", slog.String("session_id", string(id)))
	return c.OK(map[string]string{"status": "purged"})
}

// --- File handlers ---

// UploadResponse is the JSON response for POST /v1/files.
type UploadResponse struct {
	Files []workspace.FileInfo `json:"files"`
}

func (g *Gateway) handleUpload(c *okapi.Context) error {
	id := sessionID(c)
	r := c.Request()

	r.Body = http.MaxBytesReader(c.Response(), r.Body, g.config.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "upload too large"})
		}
		return c.AbortBadRequest("expected multipart form with a \"file\" field")
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		return c.AbortBadRequest("no files in \"file\" field")
	}

	saved := make([]workspace.FileInfo, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return c.AbortBadRequest("unreadable file part")
		}
		info, err := g.store.SaveUpload(id, fh.Filename, f)
		f.Close()
		if err != nil {
			if errors.Is(err, workspace.ErrQuotaExceeded) {
				return c.JSON(http.StatusInsufficientStorage, ErrorBody{Error: "session storage quota exceeded"})
			}
			g.logger.Warn("upload rejected",
				slog.String("session_id", string(id)),
				slog.String("filename", fh.Filename),
				slog.String("error", err.Error()),
			)
			return c.AbortBadRequest("invalid filename")
		}
		saved = append(saved, info)

		if m := g.config.Metrics; m != nil {
			m.UploadsTotal.Inc()
			m.UploadBytesTotal.Add(float64(info.Size))
		}
		if g.hub != nil {
			g.hub.Publish(id, events.EventUploadStored, info)
		}
	}

	g.logger.Info("files uploaded",
		slog.String("session_id", string(id)),
		slog.Int("count", len(saved)),
	)
	return c.JSON(http.StatusCreated, UploadResponse{Files: saved})
}

func (g *Gateway) handleListUploads(c *okapi.Context) error {
	files, err := g.store.ListUploads(sessionID(c))
	if err != nil {
		return c.AbortInternalServerError("listing uploads failed")
	}
	return c.OK(files)
}

func (g *Gateway) handleListExports(c *okapi.Context) error {
	files, err := g.store.ListExports(sessionID(c))
	if err != nil {
		return c.AbortInternalServerError("listing exports failed")
	}
	return c.OK(files)
}

func (g *Gateway) handleDownloadUpload(c *okapi.Context) error {
	return g.download(c, g.store.UploadByName)
}

func (g *Gateway) handleDownloadExport(c *okapi.Context) error {
	return g.download(c, g.store.ExportByName)
}

func (g *Gateway) download(c *okapi.Context, lookup func(identity.SessionID, string) (workspace.FileInfo, error)) error {
	info, err := lookup(sessionID(c), c.Param("name"))
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "file not found"})
		}
		return c.AbortBadRequest("invalid filename")
	}

	w := c.Response()
	w.Header().Set("Content-Disposition", `attachment; filename="`+info.DisplayName+`"`)
	http.ServeFile(w, c.Request(), info.Path)
	return nil
}

// --- Config handlers ---

// ConfigRequest is the JSON body for PUT /v1/config.
type ConfigRequest struct {
	ModelChoice string   `json:"model_choice"`
	BaseURL     string   `json:"base_url,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Credential  string   `json:"credential,omitempty"` // Empty keeps the stored credential.
}

func (g *Gateway) handleConfigGet(c *okapi.Context) error {
	rec, err := g.store.LoadConfig(sessionID(c))
	if err != nil {
		return c.AbortInternalServerError("loading config failed")
	}
	return c.OK(rec.Redacted())
}

func (g *Gateway) handleConfigPut(c *okapi.Context) error {
	id := sessionID(c)

	var req ConfigRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ModelChoice == "" {
		return c.AbortBadRequest("model_choice is required")
	}
	if req.MaxTokens < 0 {
		return c.AbortBadRequest("max_tokens must not be negative")
	}

	rec, err := g.store.LoadConfig(id)
	if err != nil {
		return c.AbortInternalServerError("loading config failed")
	}

	rec.ModelChoice = req.ModelChoice
	rec.BaseURL = req.BaseURL
	if req.Temperature != nil {
		rec.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		rec.MaxTokens = req.MaxTokens
	}
	if req.Credential != "" {
		rec.Credential = req.Credential
	}

	if err := g.store.SaveConfig(id, rec); err != nil {
		return c.AbortInternalServerError("saving config failed")
	}

	redacted := rec.Redacted()
	g.logger.Info("session config updated",
		slog.String("session_id", string(id)),
		slog.String("model", redacted.ModelChoice),
		slog.String("credential", redacted.CredentialPreview),
	)
	return c.OK(redacted)
}

// --- Execute handler ---

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Script string   `json:"script"`
	Inputs []string `json:"inputs,omitempty"` // Uploads to stage, by name. Empty = all.
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	id := sessionID(c)

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Script == "" {
		return c.AbortBadRequest("script is required")
	}

	if g.hub != nil {
		g.hub.Publish(id, events.EventExecutionStarted, nil)
	}

	result, err := g.runner.Execute(c.Context(), runner.Request{
		SessionID: id,
		Script:    req.Script,
		Inputs:    req.Inputs,
	})
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return c.AbortBadRequest("unknown input file")
		}
		g.logger.Error("execution failed",
			slog.String("session_id", string(id)),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("execution failed")
	}

	succeeded, failed := 0, 0
	for _, pf := range result.Produced {
		if pf.Error == "" {
			succeeded++
			if g.hub != nil {
				g.hub.Publish(id, events.EventFileProduced, pf)
			}
		} else {
			failed++
		}
	}
	if m := g.config.Metrics; m != nil {
		m.RecordProduced(succeeded, failed)
	}
	if g.hub != nil {
		g.hub.Publish(id, events.EventExecutionFinished, map[string]int{
			"exit_code": result.ExitCode,
			"produced":  succeeded,
		})
	}

	return c.OK(result)
}

// --- Analyze handler ---

// AnalyzeRequest is the JSON body for POST /v1/analyze.
type AnalyzeRequest struct {
	Question string   `json:"question"`
	Files    []string `json:"files,omitempty"` // Uploads to profile, by name. Empty = all tabular uploads.
}

// AnalyzeResponse is the JSON response for POST /v1/analyze.
type AnalyzeResponse struct {
	Answer string            `json:"answer"`
	Model  string            `json:"model"`
	Tables []tabular.Profile `json:"tables"`
}

func (g *Gateway) handleAnalyze(c *okapi.Context) error {
	id := sessionID(c)

	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Question == "" {
		return c.AbortBadRequest("question is required")
	}

	profiles, err := g.profileUploads(id, req.Files)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	if len(profiles) == 0 {
		return c.AbortBadRequest("no tabular uploads to analyze")
	}

	rec, err := g.store.LoadConfig(id)
	if err != nil {
		return c.AbortInternalServerError("loading config failed")
	}

	res, err := g.analyzer.Analyze(c.Context(), rec, profiles, req.Question)
	if err != nil {
		if m := g.config.Metrics; m != nil {
			m.RecordAnalysis(rec.ModelChoice, "error", 0, 0)
		}
		g.logger.Error("analysis failed",
			slog.String("session_id", string(id)),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "analysis failed"})
	}

	if m := g.config.Metrics; m != nil {
		m.RecordAnalysis(res.Model, "success", res.Usage.InputTokens, res.Usage.OutputTokens)
	}

	return c.OK(AnalyzeResponse{
		Answer: res.Answer,
		Model:  res.Model,
		Tables: profiles,
	})
}

// profileUploads loads and profiles the selected CSV uploads. names may
// be stored or display names; empty selects every tabular upload.
func (g *Gateway) profileUploads(id identity.SessionID, names []string) ([]tabular.Profile, error) {
	var infos []workspace.FileInfo
	if len(names) == 0 {
		all, err := g.store.ListUploads(id)
		if err != nil {
			return nil, errors.New("listing uploads failed")
		}
		for _, info := range all {
			if info.Kind == "csv" {
				infos = append(infos, info)
			}
		}
	} else {
		for _, name := range names {
			info, err := g.store.UploadByName(id, name)
			if err != nil {
				return nil, errors.New("unknown file: " + name)
			}
			infos = append(infos, info)
		}
	}

	profiles := make([]tabular.Profile, 0, len(infos))
	for _, info := range infos {
		f, err := os.Open(info.Path)
		if err != nil {
			return nil, errors.New("reading " + info.DisplayName + " failed")
		}
		table, err := tabular.Load(f, info.DisplayName)
		f.Close()
		if err != nil {
			return nil, errors.New("parsing " + info.DisplayName + ": " + err.Error())
		}
		profiles = append(profiles, table.Profile())
	}
	return profiles, nil
}

// --- Stats handler ---

// StatsResponse is the JSON response for GET /v1/stats.
type StatsResponse struct {
	Sessions registry.Stats  `json:"sessions"`
	Storage  workspace.Usage `json:"storage"`
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	usage, err := g.store.TotalUsage()
	if err != nil {
		return c.AbortInternalServerError("computing storage usage failed")
	}
	return c.OK(StatsResponse{
		Sessions: g.sessions.Stats(),
		Storage:  usage,
	})
}

// --- Observability handlers ---

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
