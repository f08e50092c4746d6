// Package api serves the local control API used by the UI and the CLI.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/gobwas/glob"
	"github.com/gorilla/mux"
	"github.com/safing/structures/dsd"

	"github.com/safing/portgate/base/info"
	"github.com/safing/portgate/service/coordinator"
	"github.com/safing/portgate/service/eventlog"
	"github.com/safing/portgate/service/mgr"
	"github.com/safing/portgate/service/policy"
	"github.com/safing/portgate/service/policy/storage"
)

// DefaultAddress is the default API listen address.
const DefaultAddress = "127.0.0.1:8817"

// UnixPrefix marks an address as a unix socket path.
const UnixPrefix = "unix:"

const (
	defaultEventLimit = 100
	requestTimeout    = 10 * time.Second
)

// Errors.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownAction  = errors.New("unknown action")
)

// Lifecycle is the filter lifecycle controlled through the API.
type Lifecycle interface {
	Status() coordinator.Status
	Install()
	StartFilter()
	StopFilter()
	RetryRegister()
}

type instance interface {
	Policy() *policy.Policy
	EventLog() *eventlog.EventLog
	Lifecycle() Lifecycle
}

// API is the API module.
type API struct {
	mgr      *mgr.Manager
	instance instance

	address string
	router  *mux.Router
	server  *http.Server
}

// New returns a new API module listening on address.
func New(instance instance, address string) *API {
	if address == "" {
		address = DefaultAddress
	}
	a := &API{
		mgr:      mgr.New("API"),
		instance: instance,
		address:  address,
	}
	a.router = a.routes()
	return a
}

// Manager returns the module manager.
func (a *API) Manager() *mgr.Manager {
	return a.mgr
}

// Handler returns the API handler.
func (a *API) Handler() http.Handler {
	return a.router
}

// Start starts the API server.
func (a *API) Start() error {
	network, address := splitAddress(a.address)
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0o0755); err != nil {
			return fmt.Errorf("create api socket directory: %w", err)
		}
		_ = os.Remove(address)
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.address, err)
	}

	a.server = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return a.mgr.Ctx()
		},
	}
	a.mgr.Go("http server", func(w *mgr.WorkerCtx) error {
		err := a.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	a.mgr.Info("api listening", "address", a.address)
	return nil
}

// Stop stops the API server.
func (a *API) Stop() error {
	if a.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}

func (a *API) routes() *mux.Router {
	r := mux.NewRouter()
	r.UseEncodedPath()

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/info", structHandler(func(*http.Request) (any, error) {
		return info.GetInfo(), nil
	})).Methods(http.MethodGet)
	v1.HandleFunc("/status", structHandler(a.handleStatus)).Methods(http.MethodGet)
	v1.HandleFunc("/filter/{action}", structHandler(a.handleFilter)).Methods(http.MethodPost)
	v1.HandleFunc("/policies", structHandler(a.handleListPolicies)).Methods(http.MethodGet)
	v1.HandleFunc("/policies/{app}", structHandler(a.handleGetPolicy)).Methods(http.MethodGet)
	v1.HandleFunc("/policies/{app}/{action}", structHandler(a.handleSetPolicy)).Methods(http.MethodPost)
	v1.HandleFunc("/events", structHandler(a.handleEvents)).Methods(http.MethodGet)

	r.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		vm.WritePrometheus(w, true)
	}).Methods(http.MethodGet)

	return r
}

// structHandler serializes the returned value according to the Accept header.
func structHandler(fn func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		v, err := fn(r.WithContext(ctx))
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}

		data, mimeType, format, err := dsd.MimeDump(v, r.Header.Get("Accept"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotAcceptable)
			return
		}
		if mimeType == "" {
			mimeType = dsd.FormatToMimeType[format]
		}
		w.Header().Set("Content-Type", mimeType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, eventlog.ErrNoHistory):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidKey),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, policy.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) handleStatus(_ *http.Request) (any, error) {
	return a.instance.Lifecycle().Status(), nil
}

func (a *API) handleFilter(r *http.Request) (any, error) {
	lc := a.instance.Lifecycle()
	switch action := mux.Vars(r)["action"]; action {
	case "install":
		lc.Install()
	case "start":
		lc.StartFilter()
	case "stop":
		lc.StopFilter()
	case "register":
		lc.RetryRegister()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	// Actions are processed asynchronously.
	return lc.Status(), nil
}

func (a *API) handleListPolicies(r *http.Request) (any, error) {
	policies, err := a.instance.Policy().List(r.Context())
	if err != nil {
		return nil, err
	}

	// Filter by app id pattern.
	if pattern := r.URL.Query().Get("match"); pattern != "" {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("%w: match: %w", ErrInvalidRequest, err)
		}
		policies = slices.DeleteFunc(policies, func(p storage.AppPolicy) bool {
			return !g.Match(p.AppID)
		})
	}

	if policies == nil {
		policies = []storage.AppPolicy{}
	}
	return policies, nil
}

func appVar(r *http.Request) (string, error) {
	app, err := url.PathUnescape(mux.Vars(r)["app"])
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return app, nil
}

func (a *API) handleGetPolicy(r *http.Request) (any, error) {
	app, err := appVar(r)
	if err != nil {
		return nil, err
	}
	return a.instance.Policy().Get(r.Context(), app)
}

func (a *API) handleSetPolicy(r *http.Request) (any, error) {
	app, err := appVar(r)
	if err != nil {
		return nil, err
	}

	p := a.instance.Policy()
	switch action := mux.Vars(r)["action"]; action {
	case "allow":
		err = p.SetAllow(r.Context(), app)
	case "deny":
		err = p.SetDeny(r.Context(), app)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err != nil {
		return nil, err
	}
	return p.Get(r.Context(), app)
}

func (a *API) handleEvents(r *http.Request) (any, error) {
	q := r.URL.Query()

	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: limit: %w", ErrInvalidRequest, err)
		}
		limit = n
	}

	// Persistent history.
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("%w: since: %w", ErrInvalidRequest, err)
		}
		return a.instance.EventLog().History(r.Context(), since, limit)
	}

	return a.instance.EventLog().Recent(limit), nil
}

func splitAddress(address string) (network, addr string) {
	if path, ok := strings.CutPrefix(address, UnixPrefix); ok {
		return "unix", path
	}
	return "tcp", address
}
