// Package httpx exposes the deployment API over HTTP and websockets.
// Handlers never touch repositories directly: reads go through the
// views package, writes are dispatched as commands on a per-request
// message bus.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ephes/fastdeploy/internal/auth"
	"github.com/ephes/fastdeploy/internal/bus"
	"github.com/ephes/fastdeploy/internal/domain"
	"github.com/ephes/fastdeploy/internal/fsys"
	"github.com/ephes/fastdeploy/internal/repository"
	"github.com/ephes/fastdeploy/internal/views"
	"github.com/ephes/fastdeploy/internal/ws"
	"github.com/ephes/fastdeploy/pkg/config"
	"github.com/ephes/fastdeploy/pkg/token"
)

const (
	rateWindowDefault  = time.Minute
	rateLimitLogin     = 12
	rateLimitUserRead  = 120
	rateLimitUserWrite = 60
	rateLimitTaskWrite = 600
	healthCheckTimeout = 2 * time.Second
)

// UnitOfWorkFactory builds a fresh unit of work per request. Units of
// work are single-use: each request, and each bus within it, gets its
// own.
type UnitOfWorkFactory func() repository.UnitOfWork

// Router wires HTTP endpoints to the message bus and views.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	cfg      config.APIConfig
	codec    *token.Codec
	verifier *auth.Verifier
	newUoW   UnitOfWorkFactory
	fs       fsys.Filesystem
	manager  *ws.Manager
	notifier bus.Notifier
	launcher domain.Launcher
	limiter  RateLimiter
	upgrader websocket.Upgrader
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	cfg config.APIConfig,
	codec *token.Codec,
	verifier *auth.Verifier,
	newUoW UnitOfWorkFactory,
	fs fsys.Filesystem,
	manager *ws.Manager,
	notifier bus.Notifier,
	launcher domain.Launcher,
	limiter RateLimiter,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		cfg:      cfg,
		codec:    codec,
		verifier: verifier,
		newUoW:   newUoW,
		fs:       fs,
		manager:  manager,
		notifier: notifier,
		launcher: launcher,
		limiter:  limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
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
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/token", r.audit("/token", r.withRateLimit("/token", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleToken)))
	r.mux.HandleFunc("/service-token", r.audit("/service-token", r.withRateLimit("/service-token", rateLimitUserWrite, rateWindowDefault, rateLimitKeyIP, r.handleServiceToken)))
	r.mux.HandleFunc("/users/me", r.audit("/users/me", r.withRateLimit("/users/me", rateLimitUserRead, rateWindowDefault, rateLimitKeyIP, r.handleUsersMe)))
	r.mux.HandleFunc("/services", r.audit("/services", r.withRateLimit("/services", rateLimitUserRead, rateWindowDefault, rateLimitKeyIP, r.handleServices)))
	r.mux.HandleFunc("/services/", r.audit("/services/", r.withRateLimit("/services/", rateLimitUserWrite, rateWindowDefault, rateLimitKeyIP, r.handleServiceSubroutes)))
	r.mux.HandleFunc("/deployments", r.audit("/deployments", r.withRateLimit("/deployments", rateLimitUserWrite, rateWindowDefault, rateLimitKeyIP, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/", r.handleDeploymentSubroutes))
	r.mux.HandleFunc("/steps", r.audit("/steps", r.withRateLimit("/steps", rateLimitTaskWrite, rateWindowDefault, rateLimitKeyIP, r.handleSteps)))
}

// newBus builds a per-request bus with its own unit of work.
func (r *Router) newBus() *bus.Bus {
	uow := r.newUoW()
	return bus.New(uow, r.logger, &bus.Handlers{
		UoW:           uow,
		FS:            r.fs,
		Publisher:     r.manager,
		Notifier:      r.notifier,
		NotifyAddress: r.cfg.AdminEmail,
		Launcher:      r.launcher,
	})
}

// dispatch runs a command through a per-request bus.
func (r *Router) dispatch(ctx context.Context, msg domain.Message) error {
	return r.newBus().Handle(ctx, msg)
}

// currentUser resolves the request's bearer token to a user. Every
// failure mode answers the same way so probing reveals nothing.
func (r *Router) currentUser(w http.ResponseWriter, req *http.Request) (*domain.User, bool) {
	raw, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrCredentials.Error())
		return nil, false
	}
	user, err := r.verifier.UserFromToken(req.Context(), r.newUoW(), raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrCredentials.Error())
		return nil, false
	}
	return user, true
}

func (r *Router) currentService(w http.ResponseWriter, req *http.Request) (*domain.Service, bool) {
	raw, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrCredentials.Error())
		return nil, false
	}
	service, err := r.verifier.ServiceFromToken(req.Context(), r.newUoW(), raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrCredentials.Error())
		return nil, false
	}
	return service, true
}

func (r *Router) currentDeployment(w http.ResponseWriter, req *http.Request) (*domain.Deployment, bool) {
	raw, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrCredentials.Error())
		return nil, false
	}
	deployment, err := r.verifier.DeploymentFromToken(req.Context(), r.newUoW(), raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrCredentials.Error())
		return nil, false
	}
	return deployment, true
}

func (r *Router) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := auth.AuthenticateUser(req.Context(), r.newUoW(), payload.Username, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrCredentials.Error())
		return
	}
	access, err := r.codec.Encode(token.Claims{Type: token.TypeUser, User: user.Name}, r.cfg.AccessTokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": access,
		"token_type":   "bearer",
	})
}

// handleServiceToken mints a token that lets automation (a frontend, a
// GitHub action) start deployments for exactly one service.
func (r *Router) handleServiceToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	user, ok := r.currentUser(w, req)
	if !ok {
		return
	}
	var payload struct {
		Service        string `json:"service"`
		Origin         string `json:"origin"`
		ExpirationDays int    `json:"expiration_in_days"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Service == "" || payload.Origin == "" {
		writeError(w, http.StatusBadRequest, "service and origin are required")
		return
	}
	if _, err := views.ServiceByName(req.Context(), r.newUoW(), payload.Service); err != nil {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}

	ttl := r.cfg.AccessTokenTTL
	if payload.ExpirationDays > 0 {
		ttl = time.Duration(payload.ExpirationDays) * 24 * time.Hour
	}
	claims := token.Claims{
		Type:    token.TypeService,
		Service: payload.Service,
		Origin:  payload.Origin,
		User:    user.Name,
	}
	access, err := r.codec.Encode(claims, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service_token": access,
		"token_type":    "bearer",
	})
}

func (r *Router) handleUsersMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	user, ok := r.currentUser(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toUserJSON(user))
}

func (r *Router) handleServices(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, ok := r.currentUser(w, req); !ok {
		return
	}
	services, err := views.AllServices(req.Context(), r.newUoW())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toServiceListJSON(services))
}

func (r *Router) handleServiceSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/services/")
	switch rest {
	case "sync":
		r.handleServiceSync(w, req)
	case "names":
		r.handleServiceNames(w, req)
	default:
		serviceID, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			r.notFound(w)
			return
		}
		r.handleServiceByID(w, req, serviceID)
	}
}

func (r *Router) handleServiceSync(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if _, ok := r.currentUser(w, req); !ok {
		return
	}
	if err := r.dispatch(req.Context(), domain.SyncServices{}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "services synced"})
}

// handleServiceNames lists the deployable service names on disk. It
// accepts a config token so provisioning tooling can discover services
// without full user credentials.
func (r *Router) handleServiceNames(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	raw, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrCredentials.Error())
		return
	}
	if _, err := r.verifier.ConfigFromToken(raw); err != nil {
		if _, userErr := r.verifier.UserFromToken(req.Context(), r.newUoW(), raw); userErr != nil {
			writeError(w, http.StatusUnauthorized, auth.ErrCredentials.Error())
			return
		}
	}
	names, err := r.fs.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

func (r *Router) handleServiceByID(w http.ResponseWriter, req *http.Request, serviceID int64) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if _, ok := r.currentUser(w, req); !ok {
		return
	}
	if err := r.dispatch(req.Context(), domain.DeleteService{ServiceID: serviceID}); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "service deleted"})
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		if _, ok := r.currentUser(w, req); !ok {
			return
		}
		deployments, err := views.AllDeployments(req.Context(), r.newUoW())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, toDeploymentListJSON(deployments))
	case http.MethodPost:
		r.handleStartDeployment(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

// handleStartDeployment needs a service token: whoever holds it may
// deploy that one service and nothing else.
func (r *Router) handleStartDeployment(w http.ResponseWriter, req *http.Request) {
	service, ok := r.currentService(w, req)
	if !ok {
		return
	}
	var payload struct {
		Context map[string]any `json:"context"`
	}
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&payload)
	}

	cmd := domain.StartDeployment{
		ServiceID: service.ID,
		User:      service.User,
		Origin:    service.Origin,
		Context:   payload.Context,
	}

	// Capture this request's started event; concurrent deployments of
	// the same service must not be able to answer for each other.
	b := r.newBus()
	var started *domain.Deployment
	b.Subscribe(domain.KindDeploymentStarted, func(ctx context.Context, event domain.Event) error {
		e := event.(domain.DeploymentStarted)
		started = &domain.Deployment{
			ID:        e.ID,
			ServiceID: e.ServiceID,
			Origin:    e.Origin,
			User:      e.User,
			Started:   e.Started,
			Finished:  e.Finished,
			Context:   e.Context,
		}
		return nil
	})
	if err := b.Handle(req.Context(), cmd); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if started == nil {
		writeError(w, http.StatusInternalServerError, "deployment was not created")
		return
	}
	writeJSON(w, http.StatusCreated, toDeploymentJSON(started))
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/deployments/")
	if rest == "finish" {
		r.handleFinishDeployment(w, req)
		return
	}
	if clientID, ok := strings.CutPrefix(rest, "ws/"); ok {
		r.handleDeploymentWS(w, req, clientID)
		return
	}
	deploymentID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		r.notFound(w)
		return
	}
	r.handleDeploymentByID(w, req, deploymentID)
}

// handleDeploymentByID answers to users and to service tokens; a
// service token only sees deployments of its own service.
func (r *Router) handleDeploymentByID(w http.ResponseWriter, req *http.Request, deploymentID int64) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	raw, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, auth.ErrCredentials.Error())
		return
	}
	var owner *domain.Service
	if _, err := r.verifier.UserFromToken(req.Context(), r.newUoW(), raw); err != nil {
		service, err := r.verifier.ServiceFromToken(req.Context(), r.newUoW(), raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, auth.ErrCredentials.Error())
			return
		}
		owner = service
	}
	deployment, err := views.DeploymentWithSteps(req.Context(), r.newUoW(), deploymentID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	if owner != nil && deployment.ServiceID != owner.ID {
		r.notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, toDeploymentJSON(deployment))
}

// handleFinishDeployment is called by the deploy runner when its script
// has exited. The deployment token pins which deployment it may close.
func (r *Router) handleFinishDeployment(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	deployment, ok := r.currentDeployment(w, req)
	if !ok {
		return
	}
	if err := r.dispatch(req.Context(), domain.FinishDeployment{DeploymentID: deployment.ID}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "deployment finished"})
}

// handleSteps receives one step result from the deploy runner (POST)
// and lists the recorded steps of a deployment (GET).
func (r *Router) handleSteps(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.handleListSteps(w, req)
		return
	case http.MethodPost:
	default:
		r.methodNotAllowed(w)
		return
	}
	deployment, ok := r.currentDeployment(w, req)
	if !ok {
		return
	}
	var payload struct {
		Name     string     `json:"name"`
		State    string     `json:"state"`
		Message  string     `json:"message"`
		Started  *time.Time `json:"started"`
		Finished *time.Time `json:"finished"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Name == "" {
		writeError(w, http.StatusBadRequest, "step name is required")
		return
	}

	cmd := domain.ProcessStep{
		Name:         payload.Name,
		DeploymentID: deployment.ID,
		State:        payload.State,
		Started:      payload.Started,
		Finished:     payload.Finished,
		Message:      payload.Message,
	}
	if err := r.dispatch(req.Context(), cmd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"detail": "step processed"})
}

func (r *Router) handleListSteps(w http.ResponseWriter, req *http.Request) {
	if _, ok := r.currentUser(w, req); !ok {
		return
	}
	deploymentID, err := strconv.ParseInt(req.URL.Query().Get("deployment_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "deployment_id is required")
		return
	}
	steps, err := views.StepsForDeployment(req.Context(), r.newUoW(), deploymentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toStepListJSON(steps))
}

// handleDeploymentWS upgrades to a websocket. The client picks its own
// uuid, connects unauthenticated and then sends its access token as the
// first message; broadcasts only flow after that token checks out.
func (r *Router) handleDeploymentWS(w http.ResponseWriter, req *http.Request, rawClientID string) {
	clientID, err := uuid.Parse(rawClientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "client id must be a uuid")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	r.manager.Connect(clientID, ws.Wrap(conn))
	defer func() {
		r.manager.Disconnect(clientID)
		_ = conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		raw := wsAccessToken(message)
		if raw == "" {
			continue
		}
		r.manager.Authenticate(req.Context(), r.newUoW(), clientID, raw)
	}
}

// wsAccessToken extracts the token from a websocket frame. Clients send
// either {"access_token": "..."} or the bare token string.
func wsAccessToken(message []byte) string {
	var frame struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(message, &frame); err == nil && frame.AccessToken != "" {
		return frame.AccessToken
	}
	return strings.TrimSpace(string(message))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
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

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
