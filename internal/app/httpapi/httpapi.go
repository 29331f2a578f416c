package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"skillswap/pkg/calls"
	"skillswap/pkg/presence"
	"skillswap/pkg/webrtc/protocol"
	"skillswap/pkg/webrtc/signaling"
)

const requestTimeout = 5 * time.Second

// Settings is the client-facing connection configuration.
type Settings struct {
	ICEMode     string
	ICEServers  []protocol.ICEServer
	PublicWSURL string
	// StaticDir, when set, is served for every path the API does not own.
	StaticDir string
}

// Hub is the part of the signaling hub the HTTP surface needs.
type Hub interface {
	HTTPHandler() http.Handler
	StartCall(ctx context.Context, req signaling.StartCallRequest) (rec *calls.Record, reused bool, err error)
}

// Observer records served requests.
type Observer interface {
	ObserveHTTP(method, route, status string, seconds float64)
}

// Options wires the router's dependencies. Presence, Metrics, Observer and
// Health are optional.
type Options struct {
	Hub      Hub
	Calls    calls.Store
	Presence presence.Store
	Settings Settings
	Metrics  http.Handler
	Observer Observer
	Logger   *zerolog.Logger
	// Health reports whether backing services are reachable.
	Health func(ctx context.Context) error
}

type api struct {
	Options
	logger zerolog.Logger
}

// NewRouter builds the HTTP surface: the WebSocket endpoint, the call API,
// settings, presence, health and metrics.
func NewRouter(opts Options) http.Handler {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "http").Logger()
	}
	a := &api{Options: opts, logger: logger}

	r := mux.NewRouter()
	r.Handle("/ws", opts.Hub.HTTPHandler()).Methods(http.MethodGet)
	r.HandleFunc("/health", a.health).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	sub := r.PathPrefix("/api").Subrouter()
	sub.HandleFunc("/settings", a.settings).Methods(http.MethodGet)
	sub.HandleFunc("/presence", a.presence).Methods(http.MethodGet)
	sub.HandleFunc("/video/start-call", a.startCall).Methods(http.MethodPost)
	sub.HandleFunc("/video/{callId}", a.getCall).Methods(http.MethodGet)

	if opts.Settings.StaticDir != "" {
		r.PathPrefix("/").Handler(staticHandler(opts.Settings.StaticDir))
	}

	r.Use(Recovery(logger), Logging(logger, opts.Observer))
	return r
}

func (a *api) startCall(w http.ResponseWriter, r *http.Request) {
	var req signaling.StartCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	call, reused, err := a.Hub.StartCall(ctx, req)
	var verr *protocol.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Missing required fields", "error": verr.Reason})
		return
	case err != nil:
		a.logger.Error().Err(err).Str("room", req.ChatID).Msg("error creating call")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}

	if reused {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Call already in progress",
			"call":    call,
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Call created successfully",
		"call":    call,
	})
}

func (a *api) getCall(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["callId"])

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	call, err := a.Calls.Get(ctx, id)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Call not found"})
			return
		}
		a.logger.Error().Err(err).Str("call_id", id).Msg("call lookup error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (a *api) settings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"wsURL":      resolveWSURL(a.Settings, r),
		"iceMode":    a.Settings.ICEMode,
		"iceServers": a.Settings.ICEServers,
	})
}

func (a *api) presence(w http.ResponseWriter, r *http.Request) {
	if a.Presence == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"online": []string{}})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	online, err := a.Presence.Online(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("presence lookup error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "presence unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": online})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func resolveWSURL(settings Settings, r *http.Request) string {
	if settings.PublicWSURL != "" {
		return settings.PublicWSURL
	}

	proto := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "wss"
	}

	host := r.Host
	if host == "" {
		host = "localhost:8080"
	}

	return fmt.Sprintf("%s://%s/ws", proto, host)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
