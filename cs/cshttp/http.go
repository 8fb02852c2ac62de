// Package cshttp exposes a read-only HTTP status API
// over a participant engine's sessions.
package cshttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/channel-engine/chorus/cs/csengine"
	"github.com/channel-engine/chorus/cs/csledger"
	"github.com/channel-engine/chorus/cs/csstore"
)

type HTTPServer struct {
	done chan struct{}
}

type HTTPServerConfig struct {
	Listener net.Listener

	Engine *csengine.Engine

	// TransitionLog serves session history;
	// nil disables the transitions route.
	TransitionLog csstore.TransitionLogStore
}

func NewHTTPServer(ctx context.Context, log *slog.Logger, cfg HTTPServerConfig) *HTTPServer {
	srv := &http.Server{
		Handler: newMux(log, cfg),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	h := &HTTPServer{
		done: make(chan struct{}),
	}
	go h.serve(log, cfg.Listener, srv)
	go h.waitForShutdown(ctx, srv)

	return h
}

func (h *HTTPServer) Wait() {
	<-h.done
}

func (h *HTTPServer) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-h.done:
		// Serve returned on its own, nothing left to do here.
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (h *HTTPServer) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(h.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server shutting down")
		} else {
			log.Info("HTTP server shutting down due to error", "err", err)
		}
	}
}

// NewHandler returns the status API routes as a plain http.Handler,
// for mounting in an existing server.
// The Listener field of cfg is ignored.
func NewHandler(log *slog.Logger, cfg HTTPServerConfig) http.Handler {
	return newMux(log, cfg)
}

func newMux(log *slog.Logger, cfg HTTPServerConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/sessions", handleSessions(log, cfg)).Methods("GET")
	r.HandleFunc("/sessions/{id}", handleSession(log, cfg)).Methods("GET")
	if cfg.TransitionLog != nil {
		r.HandleFunc("/sessions/{id}/transitions", handleTransitions(log, cfg)).Methods("GET")
	}

	return r
}

// sessionJSON is the wire form of one session's status.
type sessionJSON struct {
	ID      string                    `json:"id"`
	Status  string                    `json:"status"`
	Version uint64                    `json:"version"`
	Vector  csledger.AllocationVector `json:"vector"`

	PendingVersion uint64     `json:"pendingVersion,omitempty"`
	CloseDeadline  *time.Time `json:"closeDeadline,omitempty"`
}

func sessionToJSON(s csengine.Snapshot) sessionJSON {
	out := sessionJSON{
		ID:      s.ID,
		Status:  s.Status.String(),
		Version: s.Version,
		Vector:  s.Vector,

		PendingVersion: s.PendingVersion,
	}
	if !s.CloseDeadline.IsZero() {
		out.CloseDeadline = &s.CloseDeadline
	}
	return out
}

func handleSessions(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		snaps, err := cfg.Engine.Sessions(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		out := make([]sessionJSON, len(snaps))
		for i, s := range snaps {
			out[i] = sessionToJSON(s)
		}

		if err := json.NewEncoder(w).Encode(out); err != nil {
			log.Warn("Failed to write session list", "err", err)
		}
	}
}

func handleSession(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]

		snap, err := cfg.Engine.Snapshot(req.Context(), id)
		if err != nil {
			if errors.Is(err, csengine.ErrUnknownSession) {
				http.Error(w, err.Error(), http.StatusNotFound)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}

		if err := json.NewEncoder(w).Encode(sessionToJSON(snap)); err != nil {
			log.Warn("Failed to write session", "session_id", id, "err", err)
		}
	}
}

func handleTransitions(log *slog.Logger, cfg HTTPServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]

		// Confirm the session exists before consulting the log,
		// so unknown ids get a 404 rather than an empty history.
		if _, err := cfg.Engine.Snapshot(req.Context(), id); err != nil {
			if errors.Is(err, csengine.ErrUnknownSession) {
				http.Error(w, err.Error(), http.StatusNotFound)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}

		txs, err := cfg.TransitionLog.LoadTransitions(req.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if err := json.NewEncoder(w).Encode(txs); err != nil {
			log.Warn("Failed to write transitions", "session_id", id, "err", err)
		}
	}
}
