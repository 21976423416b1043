// Package api exposes the scale engine over HTTP: a JSON control surface,
// a server-sent event stream of confirmed weights, Prometheus metrics and
// tsweb debug routes.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/packline/orderscale/internal/httputil"
	"github.com/packline/orderscale/internal/scale"
)

type Server struct {
	engine  *scale.Engine
	handler http.Handler
}

// NewServer builds the HTTP surface around a scale engine.
func NewServer(engine *scale.Engine) *Server {
	s := &Server{engine: engine}

	r := mux.NewRouter()
	r.HandleFunc("/api/scale/status", s.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/scale/mode", s.postMode).Methods(http.MethodPost)
	r.HandleFunc("/api/scale/pause", s.postPause).Methods(http.MethodPost)
	r.HandleFunc("/api/scale/resume", s.postResume).Methods(http.MethodPost)
	r.HandleFunc("/api/scale/events", s.streamEvents).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Debug routes live on the root mux; everything else falls through to
	// the router.
	root := http.NewServeMux()
	s.attachDebugRoutes(root)
	root.Handle("/", r)

	s.handler = root
	return s
}

// Handler returns the root handler for the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.engine.Status())
}

type modeRequest struct {
	Mode scale.PollingMode `json:"mode"`
}

func (s *Server) postMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	switch err := s.engine.ForceMode(req.Mode); err {
	case nil:
		httputil.WriteJSONOK(w, map[string]string{"mode": string(req.Mode)})
	case scale.ErrInvalidMode:
		httputil.BadRequest(w, err.Error())
	case scale.ErrNotRunning:
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) postPause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pause(); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"state": "paused"})
}

func (s *Server) postResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resume(); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"state": "running"})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	if !st.Running {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"ok":            true,
		"connection_ok": st.ConnectionOK,
	})
}

// attachDebugRoutes registers the tsweb debug surface: an SSE tail of
// confirmed weights for bench diagnostics and a form-driven mode override.
func (s *Server) attachDebugRoutes(root *http.ServeMux) {
	debug := tsweb.Debugger(root)

	debug.HandleSilent("weight-tail", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		s.streamEvents(w, r)
	}))

	debug.HandleSilent("force-mode", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		mode := scale.PollingMode(r.FormValue("mode"))
		switch err := s.engine.ForceMode(mode); err {
		case nil:
			httputil.WriteJSONOK(w, map[string]string{"mode": string(mode)})
		case scale.ErrInvalidMode:
			httputil.BadRequest(w, err.Error())
		default:
			httputil.Conflict(w, err.Error())
		}
	}))
}
