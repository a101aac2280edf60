package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Neuxbane/Docker/internal/compose"
	"github.com/Neuxbane/Docker/internal/dockerx"
	"github.com/Neuxbane/Docker/internal/lifecycle"
	"github.com/Neuxbane/Docker/internal/logstats"
	"github.com/Neuxbane/Docker/internal/mapper"
	"github.com/Neuxbane/Docker/internal/projects"
	"github.com/Neuxbane/Docker/internal/proxycfg"
	"github.com/Neuxbane/Docker/internal/ptymux"
	"github.com/Neuxbane/Docker/internal/reconcile"
	"github.com/Neuxbane/Docker/internal/session"
	"github.com/Neuxbane/Docker/internal/ws"
	"github.com/Neuxbane/Docker/pkg/crypto"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRead      = 120
	rateLimitWrite     = 60
	rateLimitWebsocket = 30
)

// Deps bundles the services the router exposes over HTTP.
type Deps struct {
	Sessions   *session.Store
	Store      *mapper.Store
	Driver     *lifecycle.Driver
	Projects   *projects.Service
	Reconciler *reconcile.Reconciler
	Editor     *proxycfg.Editor
	Stats      *logstats.Service
	Docker     *dockerx.Client
	Terminals  *ptymux.Multiplexer
	Events     *ws.Hub
	Limiter    RateLimiter

	AdminPassword  string
	AllowedOrigins []string
	StaticDir      string
	SubnetBase     string
	DefaultNetwork string
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	deps     Deps
	sessions *session.Store
	limiter  RateLimiter
	upgrader websocket.Upgrader
	metrics  *routerMetrics
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Deps) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		deps:     deps,
		sessions: deps.Sessions,
		limiter:  deps.Limiter,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.upgrader = websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool { return r.originAllowed(req.Header.Get("Origin")) },
	}
	r.metrics = newRouterMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/api/login", r.audit(r.cors(r.handleLogin)))
	r.mux.HandleFunc("/api/mapper", r.audit(r.cors(r.withRateLimit("mapper", rateLimitRead, rateWindowDefault, r.handleMapper))))
	r.mux.HandleFunc("/api/stats", r.audit(r.cors(r.withRateLimit("stats", rateLimitRead, rateWindowDefault, r.handleStats))))

	r.auth("/api/status", "status", rateLimitRead, r.handleStatus)
	r.auth("/api/next-ip", "next-ip", rateLimitRead, r.handleNextIP)
	r.auth("/api/networks", "networks", rateLimitRead, r.handleNetworks)
	r.auth("/api/networks/create", "networks-write", rateLimitWrite, r.handleNetworkCreate)
	r.auth("/api/networks/delete", "networks-write", rateLimitWrite, r.handleNetworkDelete)
	r.auth("/api/networks/update", "networks-write", rateLimitWrite, r.handleNetworkUpdate)
	r.auth("/api/apply", "apply", rateLimitWrite, r.handleApply)
	r.auth("/api/add", "project-write", rateLimitWrite, r.handleAdd)
	r.auth("/api/rename", "project-write", rateLimitWrite, r.handleRename)
	r.auth("/api/delete", "project-write", rateLimitWrite, r.handleDelete)
	r.auth("/api/stop", "lifecycle", rateLimitWrite, r.handleStop)
	r.auth("/api/restart", "lifecycle", rateLimitWrite, r.handleRestart)
	r.auth("/api/attach", "lifecycle", rateLimitWrite, r.handleAttach)
	r.auth("/api/config-files", "config", rateLimitRead, r.handleConfigFiles)
	r.auth("/api/config", "config", rateLimitRead, r.handleConfigRead)
	r.auth("/api/save-config", "config", rateLimitWrite, r.handleConfigSave)
	r.auth("/api/nginx", "nginx", rateLimitRead, r.handleNginxRead)
	r.auth("/api/nginx/save", "nginx", rateLimitWrite, r.handleNginxSave)
	r.auth("/api/images/list", "images", rateLimitRead, r.handleImagesList)
	r.auth("/api/images/pull", "images", rateLimitWrite, r.handleImagesPull)
	r.auth("/api/images/delete", "images", rateLimitWrite, r.handleImagesDelete)

	r.mux.HandleFunc("/ws/attach", r.audit(r.handlerAuthRate("ws-attach", rateLimitWebsocket, rateWindowRealtime, r.handleAttachWS)))
	r.mux.HandleFunc("/ws/events", r.audit(r.handlerAuthRate("ws-events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))

	if r.deps.StaticDir != "" {
		r.mux.Handle("/", http.FileServer(http.Dir(r.deps.StaticDir)))
	}
}

func (r *Router) auth(path, route string, limit int, handler http.HandlerFunc) {
	r.mux.HandleFunc(path, r.audit(r.cors(r.handlerAuthRate(route, limit, rateWindowDefault, handler))))
}

// --- auth ---

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ip := clientIP(req)
	if !r.sessions.AllowAttempt(ip) {
		r.logger.Warn("login rate limit hit", "ip", ip)
		r.metrics.observeLogin("throttled")
		writeError(w, http.StatusTooManyRequests, "too many failed attempts")
		return
	}
	if !crypto.VerifyPassword(r.deps.AdminPassword, payload.Password) {
		r.sessions.RecordFailure(ip)
		r.metrics.observeLogin("failure")
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	r.sessions.ClearFailures(ip)
	r.metrics.observeLogin("success")
	token, err := r.sessions.Create(ip)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- mapper / stats / status ---

func (r *Router) handleMapper(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.enrichedMapper())
}

// enrichedMapper overlays transient lifecycle states onto the snapshot:
// transient wins over live CLI state.
func (r *Router) enrichedMapper() mapper.Snapshot {
	snap := r.deps.Store.Current()
	transient := r.deps.Driver.Transient()
	out := make(mapper.Snapshot, len(snap))
	for dir, entry := range snap {
		enriched := &mapper.Entry{
			ManifestFile:  entry.ManifestFile,
			ComposeName:   entry.ComposeName,
			NameCollision: entry.NameCollision,
			Services:      make(map[string]mapper.ServiceRecord, len(entry.Services)),
		}
		for name, record := range entry.Services {
			if status, ok := transient.Get(dir, name); ok {
				record.Status = status
			}
			enriched.Services[name] = record
		}
		out[dir] = enriched
	}
	return out
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.deps.Stats.Query(req.URL.Query().Get("range"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	dir, err := r.deps.Projects.ResolveExisting(req.URL.Query().Get("path"))
	if err != nil {
		respondError(w, err)
		return
	}
	service := req.URL.Query().Get("service")
	status := r.deps.Driver.Status(req.Context(), dir, service)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// --- networks ---

func (r *Router) handleNextIP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	network := req.URL.Query().Get("network")
	if network == "" {
		writeError(w, http.StatusBadRequest, "network query parameter required")
		return
	}
	ip, err := r.nextFreeIP(req, network)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ip": ip})
}

func (r *Router) handleNetworks(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.deps.Docker == nil {
		writeError(w, http.StatusInternalServerError, "container engine unavailable")
		return
	}
	networks, err := r.deps.Docker.ListNetworks(req.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, networks)
}

type networkPayload struct {
	Name    string `json:"name"`
	Subnet  string `json:"subnet"`
	Gateway string `json:"gateway"`
}

func (r *Router) handleNetworkCreate(w http.ResponseWriter, req *http.Request) {
	r.networkMutation(w, req, func(p networkPayload) error {
		return r.deps.Docker.CreateNetwork(req.Context(), p.Name, p.Subnet, p.Gateway)
	})
}

func (r *Router) handleNetworkDelete(w http.ResponseWriter, req *http.Request) {
	r.networkMutation(w, req, func(p networkPayload) error {
		return r.deps.Docker.RemoveNetwork(req.Context(), p.Name)
	})
}

func (r *Router) handleNetworkUpdate(w http.ResponseWriter, req *http.Request) {
	r.networkMutation(w, req, func(p networkPayload) error {
		return r.deps.Docker.UpdateNetwork(req.Context(), p.Name, p.Subnet, p.Gateway)
	})
}

func (r *Router) networkMutation(w http.ResponseWriter, req *http.Request, op func(networkPayload) error) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.deps.Docker == nil {
		writeError(w, http.StatusInternalServerError, "container engine unavailable")
		return
	}
	var payload networkPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := op(payload); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- project mutations ---

func (r *Router) handleApply(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Path     string                      `json:"path"`
		Services map[string]*compose.Service `json:"services"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.deps.Projects.Apply(req.Context(), payload.Path, payload.Services); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (r *Router) handleAdd(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	dir, err := r.deps.Projects.Add(req.Context(), payload.Name)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": dir})
}

func (r *Router) handleRename(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Path    string `json:"path"`
		NewName string `json:"newName"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	dir, err := r.deps.Projects.Rename(req.Context(), payload.Path, payload.NewName)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": dir})
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Path        string `json:"path"`
		ConfirmName string `json:"confirmName"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.deps.Projects.Delete(req.Context(), payload.Path, payload.ConfirmName); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- lifecycle ---

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	r.lifecycleOp(w, req, r.deps.Driver.Stop)
}

func (r *Router) handleRestart(w http.ResponseWriter, req *http.Request) {
	r.lifecycleOp(w, req, r.deps.Driver.Restart)
}

func (r *Router) handleAttach(w http.ResponseWriter, req *http.Request) {
	r.lifecycleOp(w, req, r.deps.Driver.Start)
}

func (r *Router) lifecycleOp(w http.ResponseWriter, req *http.Request, op func(ctx context.Context, projectDir, service string) error) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Path    string `json:"path"`
		Service string `json:"service"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	dir, err := r.deps.Projects.ResolveExisting(payload.Path)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := op(req.Context(), dir, payload.Service); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- per-project config files ---

func (r *Router) handleConfigFiles(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	files, err := r.deps.Projects.ListConfigFiles(req.URL.Query().Get("path"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (r *Router) handleConfigRead(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	content, err := r.deps.Projects.ReadConfigFile(req.URL.Query().Get("path"), req.URL.Query().Get("file"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": string(content)})
}

func (r *Router) handleConfigSave(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Path    string `json:"path"`
		File    string `json:"file"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.deps.Projects.SaveConfigFile(payload.Path, payload.File, []byte(payload.Content)); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// --- proxy config ---

func (r *Router) handleNginxRead(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	content, err := r.deps.Editor.Read()
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content": content,
		"parsed":  proxycfg.Parse(content),
	})
}

func (r *Router) handleNginxSave(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.deps.Editor.Save(req.Context(), payload.Content); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// --- images ---

func (r *Router) handleImagesList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.deps.Docker == nil {
		writeError(w, http.StatusInternalServerError, "container engine unavailable")
		return
	}
	images, err := r.deps.Docker.ListImages(req.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

func (r *Router) handleImagesPull(w http.ResponseWriter, req *http.Request) {
	r.imageMutation(w, req, r.deps.Docker.PullImage)
}

func (r *Router) handleImagesDelete(w http.ResponseWriter, req *http.Request) {
	r.imageMutation(w, req, r.deps.Docker.DeleteImage)
}

func (r *Router) imageMutation(w http.ResponseWriter, req *http.Request, op func(ctx context.Context, ref string) error) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.deps.Docker == nil {
		writeError(w, http.StatusInternalServerError, "container engine unavailable")
		return
	}
	var payload struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := op(req.Context(), payload.Image); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- websockets ---

func (r *Router) handleAttachWS(w http.ResponseWriter, req *http.Request) {
	if r.deps.Terminals == nil {
		writeError(w, http.StatusInternalServerError, "terminal sessions unavailable")
		return
	}
	query := req.URL.Query()
	manifest, _, err := r.deps.Projects.ResolveManifest(query.Get("file"))
	if err != nil {
		respondError(w, err)
		return
	}
	params := ptymux.Params{
		File:    manifest,
		Service: query.Get("service"),
		Action:  query.Get("action"),
		IP:      query.Get("ip"),
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	r.metrics.observeAttach(params.Action)
	r.deps.Terminals.Handle(req.Context(), conn, params)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if r.deps.Events == nil {
		writeError(w, http.StatusInternalServerError, "event stream unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.deps.Events.Register(client)
	go func() {
		defer func() {
			r.deps.Events.Unregister(client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// --- health ---

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := map[string]any{}
	status := "ok"
	if r.deps.Docker != nil {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := r.deps.Docker.Ping(ctx); err != nil {
			status = "degraded"
			components["docker"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["docker"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// --- helpers ---

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if len(r.deps.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range r.deps.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// cors applies the configured allowed origins to API responses.
func (r *Router) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		if origin != "" && r.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, req)
	}
}
