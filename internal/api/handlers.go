package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	gwebsocket "github.com/gorilla/websocket" // Alias to avoid name conflict

	"trafficwatch-dashboard/internal/aggregate"
	"trafficwatch-dashboard/internal/auth"
	"trafficwatch-dashboard/internal/backend"
	"trafficwatch-dashboard/internal/dashboard"
	"trafficwatch-dashboard/internal/data"
	"trafficwatch-dashboard/internal/frames"
	"trafficwatch-dashboard/internal/websocket"
)

var upgrader = gwebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Allow all origins for simplicity
}

// CameraService manages camera metadata on the backend.
type CameraService interface {
	ListCameraDetails(ctx context.Context) ([]data.CameraDetails, error)
	CreateCamera(ctx context.Context, cam data.NewCamera) (data.CameraDetails, error)
}

type Options struct {
	Views   *dashboard.Manager
	Hub     *websocket.Hub
	Auth    *auth.AuthManager
	Frames  *frames.Cache
	Cameras CameraService // nil when the snapshot does not come from the backend
	WebDir  string
	// DefaultGranularity is used when a request names none.
	DefaultGranularity aggregate.Granularity
}

type APIHandler struct {
	views       *dashboard.Manager
	hub         *websocket.Hub
	auth        *auth.AuthManager
	frames      *frames.Cache
	cameras     CameraService
	tmpl        *template.Template
	webDir      string
	granularity aggregate.Granularity
}

func NewAPIHandler(opts Options) (*APIHandler, error) {
	tmplPath := filepath.Join(opts.WebDir, "templates", "*.html")
	tmpl, err := template.ParseGlob(tmplPath)
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	if opts.DefaultGranularity == "" {
		opts.DefaultGranularity = aggregate.Minute
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewAuthManager(auth.Config{})
	}

	return &APIHandler{
		views:       opts.Views,
		hub:         opts.Hub,
		auth:        opts.Auth,
		frames:      opts.Frames,
		cameras:     opts.Cameras,
		tmpl:        tmpl,
		webDir:      opts.WebDir,
		granularity: opts.DefaultGranularity,
	}, nil
}

type indexPage struct {
	Granularities      []aggregate.Granularity
	DefaultGranularity aggregate.Granularity
	AuthEnabled        bool
}

// ServeWebUI serves the main HTML page
func (h *APIHandler) ServeWebUI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	page := indexPage{
		Granularities:      aggregate.Granularities,
		DefaultGranularity: h.granularity,
		AuthEnabled:        h.auth.Enabled(),
	}
	if err := h.tmpl.ExecuteTemplate(w, "index.html", page); err != nil {
		slog.Error("error executing template", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// HandleLogin exchanges operator credentials for a JWT.
func (h *APIHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Enabled() {
		writeError(w, http.StatusNotFound, "authentication is disabled")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid login request")
		return
	}
	role, err := h.auth.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		slog.Warn("login failed", "user", req.Username, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := h.auth.GenerateJWT(req.Username, role)
	if err != nil {
		slog.Error("error signing token", "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Role: role})
}

// HandleDashboard renders the global view.
func (h *APIHandler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	h.serveView(w, r, "")
}

// HandleCameraDashboard renders the view of one camera.
func (h *APIHandler) HandleCameraDashboard(w http.ResponseWriter, r *http.Request) {
	h.serveView(w, r, chi.URLParam(r, "id"))
}

func (h *APIHandler) serveView(w http.ResponseWriter, r *http.Request, cameraID string) {
	g, err := h.parseGranularity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, release, err := h.views.Acquire(cameraID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer release()

	snap := view.Aggregates(g)
	writeJSON(w, statusFor(snap.State), snap)
}

func statusFor(s dashboard.State) int {
	switch s {
	case dashboard.StateLoading:
		return http.StatusAccepted
	case dashboard.StateFailed:
		return http.StatusBadGateway
	}
	return http.StatusOK
}

// HandleListCameras returns camera metadata, from the backend when there is
// one and from the global view otherwise.
func (h *APIHandler) HandleListCameras(w http.ResponseWriter, r *http.Request) {
	if h.cameras == nil {
		view, release, err := h.views.Acquire("")
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		defer release()
		snap := view.Aggregates(h.granularity)
		writeJSON(w, statusFor(snap.State), snap.Cameras)
		return
	}

	cams, err := h.cameras.ListCameraDetails(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cams)
}

// HandleCreateCamera registers a camera on the backend.
func (h *APIHandler) HandleCreateCamera(w http.ResponseWriter, r *http.Request) {
	if h.cameras == nil {
		writeError(w, http.StatusNotImplemented, "camera registration needs the backend")
		return
	}
	var cam data.NewCamera
	if err := json.NewDecoder(r.Body).Decode(&cam); err != nil {
		writeError(w, http.StatusBadRequest, "invalid camera")
		return
	}
	cam.Label = strings.TrimSpace(cam.Label)
	if cam.Label == "" {
		writeError(w, http.StatusBadRequest, "label is required")
		return
	}
	created, err := h.cameras.CreateCamera(r.Context(), cam)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		slog.Info("camera created", "label", created.Label, "id", created.ID, "by", claims.Username)
	}
	writeJSON(w, http.StatusCreated, created)
}

// HandleFrame serves the latest frame of a camera.
func (h *APIHandler) HandleFrame(w http.ResponseWriter, r *http.Request) {
	if h.frames == nil {
		writeError(w, http.StatusNotFound, "live frames are disabled")
		return
	}
	label := chi.URLParam(r, "id")
	frame, ok := h.frames.Latest(label)
	if !ok {
		writeError(w, http.StatusNotFound, "no frame for camera "+label)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	w.Write(frame.Data)
}

// HandleWebSocket upgrades connections and registers clients with the hub
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	g, err := h.parseGranularity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cameraID := r.URL.Query().Get("camera")
	view, release, err := h.views.Acquire(cameraID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		release()
		slog.Warn("websocket upgrade error", "error", err)
		return
	}

	client := websocket.NewClient(h.hub, conn, view, g, release)
	h.hub.Register(client)

	// Start read/write pumps in separate goroutines
	go client.WritePump()
	go client.ReadPump()

	slog.Info("websocket connection established", "client", client.ID, "remote", conn.RemoteAddr(), "camera", cameraID, "granularity", g)
}

type globalHealth struct {
	State   dashboard.State `json:"state"`
	Error   string          `json:"error,omitempty"`
	Records int             `json:"records"`
}

type health struct {
	Status string        `json:"status"`
	Views  int           `json:"views"`
	Global *globalHealth `json:"global,omitempty"`
}

// HandleHealth reports liveness, the number of open views and the state of the
// global view. It never opens a view.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := health{Status: "ok", Views: h.views.Len()}
	if v, ok := h.views.Lookup(""); ok {
		state, err := v.State()
		resp.Global = &globalHealth{State: state, Records: v.Store().Len()}
		if err != nil {
			resp.Global.Error = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) parseGranularity(r *http.Request) (aggregate.Granularity, error) {
	s := r.URL.Query().Get("granularity")
	if s == "" {
		return h.granularity, nil
	}
	return aggregate.ParseGranularity(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeBackendError passes client errors of the backend through and maps the
// rest to 502.
func writeBackendError(w http.ResponseWriter, err error) {
	var se *backend.StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		writeError(w, se.Code, se.Body)
		return
	}
	slog.Error("backend request failed", "error", err)
	writeError(w, http.StatusBadGateway, err.Error())
}
