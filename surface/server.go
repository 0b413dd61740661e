// Package surface exposes the session core to its surfaces: a WebSocket feed
// carrying the broadcast event stream plus the command channel back, and a
// few plain HTTP reads for state that is cheaper to pull than to push.
package surface

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"murmur/agent"
	"murmur/history"
	"murmur/log"
	"murmur/session"
	"murmur/settings"
)

const (
	writeTimeout = 5 * time.Second
	// outbound queue per observer; a surface that cannot drain this fast is
	// detached and must reconcile on reconnect
	sendBuffer = 64
)

type Server struct {
	machine  *session.Machine
	registry *agent.Registry
	history  *history.Store
	router   chi.Router
}

func New(m *session.Machine, reg *agent.Registry, hist *history.Store) *Server {
	s := &Server{machine: m, registry: reg, history: hist}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/agents", s.handleAgents)
		r.Get("/history", s.handleHistory)
		r.Post("/command", s.handleCommand)
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve blocks until ctx is canceled, then drains connections.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infof("surface server listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.machine.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.All())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// wireCommand is the envelope surfaces send, over the socket or POSTed.
type wireCommand struct {
	Type       string          `json:"type"`
	AgentID    string          `json:"agentId,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	ID         string          `json:"id,omitempty"`
	Patch      *settings.Patch `json:"patch,omitempty"`
	Confirm    bool            `json:"confirm,omitempty"`
}

// ack is the synchronous verdict for one command. ConfirmRequired carries the
// exact delete count for a blocked history-limit reduction.
type ack struct {
	Type            string `json:"type"`
	Command         string `json:"command"`
	OK              bool   `json:"ok"`
	Error           string `json:"error,omitempty"`
	ConfirmRequired bool   `json:"confirmRequired,omitempty"`
	DeleteCount     int    `json:"deleteCount,omitempty"`
}

func (c wireCommand) toCommand() (session.Command, error) {
	switch c.Type {
	case "start-recording":
		return session.StartRecording{}, nil
	case "stop-recording":
		return session.StopRecording{}, nil
	case "toggle-recording":
		return session.ToggleRecording{}, nil
	case "select-agent":
		return session.SelectAgent{AgentID: c.AgentID}, nil
	case "process-with-ai":
		return session.ProcessWithAI{Transcript: c.Transcript}, nil
	case "skip-ai":
		return session.SkipAI{}, nil
	case "dismiss-error":
		return session.DismissError{}, nil
	case "delete-history":
		return session.DeleteHistory{ID: c.ID}, nil
	case "clear-history":
		return session.ClearHistory{}, nil
	case "update-settings":
		var p settings.Patch
		if c.Patch != nil {
			p = *c.Patch
		}
		return session.UpdateSettings{Patch: p, Confirm: c.Confirm}, nil
	}
	return nil, errors.New("unknown command type: " + c.Type)
}

func (s *Server) dispatch(ctx context.Context, wire wireCommand) ack {
	cmd, err := wire.toCommand()
	if err != nil {
		return ack{Type: "ack", Command: wire.Type, Error: err.Error()}
	}
	if err := s.machine.Do(ctx, cmd); err != nil {
		a := ack{Type: "ack", Command: wire.Type, Error: err.Error()}
		var confirmErr *history.ErrConfirmRequired
		if errors.As(err, &confirmErr) {
			a.ConfirmRequired = true
			a.DeleteCount = confirmErr.DeleteCount
		}
		return a
	}
	return ack{Type: "ack", Command: wire.Type, OK: true}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var wire wireCommand
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeJSON(w, http.StatusBadRequest, ack{Type: "ack", Error: "malformed command: " + err.Error()})
		return
	}
	a := s.dispatch(r.Context(), wire)
	status := http.StatusOK
	if !a.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, a)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// the daemon binds to localhost; surfaces connect from file:// or
		// app-shell origins that never match the host
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Warnf("websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// everything written to this socket, events and acks alike, funnels
	// through one queue so writes never interleave
	out := make(chan any, sendBuffer)

	id, err := s.machine.Attach(ctx, func(ev session.Event) error {
		select {
		case out <- ev:
			return nil
		default:
			return errors.New("surface too slow, detaching")
		}
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	defer s.machine.Detach(id)
	log.Infof("surface attached: %s", id)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-out:
				writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(writeCtx, conn, v)
				writeCancel()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var wire wireCommand
		if err := wsjson.Read(ctx, conn, &wire); err != nil {
			log.Infof("surface detached: %s", id)
			return
		}
		a := s.dispatch(ctx, wire)
		select {
		case out <- a:
		case <-ctx.Done():
			return
		}
	}
}
