package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	observestore "github.com/PipeOpsHQ/agent-runtime-go/observe/store"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

const (
	keepAliveInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, flusher: flusher}, true
}

// send writes one SSE frame. An empty event name uses the default
// "message" event.
func (s *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteString("\n")
	}
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) keepAlive() error {
	if _, err := s.w.Write([]byte(": keepalive\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleMessageSSE streams the message snapshots of one run. A run that is
// not held by this server is served from its persisted transcript.
func (s *Server) handleMessageSSE(w http.ResponseWriter, r *http.Request, runID string) {
	lr, live := s.runs.get(runID)
	if !live && s.cfg.Store == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %q not found", runID))
		return
	}
	var stored RunView
	if !live {
		rec, err := s.cfg.Store.LoadRun(r.Context(), runID)
		if err != nil {
			writeError(w, storeStatus(err), err)
			return
		}
		stored = recordView(rec)
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	if !live {
		for _, msg := range stored.Record.Messages {
			if err := sse.send("message", msg); err != nil {
				return
			}
		}
		stored.Record = nil
		_ = sse.send("done", stored)
		return
	}

	id, backlog, ch := lr.hub.subscribe(0)
	defer lr.hub.unsubscribe(id)
	for _, msg := range backlog {
		if err := sse.send("message", msg); err != nil {
			return
		}
	}

	ping := time.NewTicker(keepAliveInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := sse.keepAlive(); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				s.finishStream(lr, func(event string, payload any) error { return sse.send(event, payload) })
				return
			}
			if err := sse.send("message", msg); err != nil {
				return
			}
		}
	}
}

// finishStream reports why a watcher's channel closed: the run ended, or
// the watcher fell too far behind.
func (s *Server) finishStream(lr *liveRun, send func(event string, payload any) error) {
	select {
	case <-lr.hub.done:
		_ = send("done", lr.view())
	default:
		_ = send("error", map[string]string{"error": "stream lagged behind the run; reconnect to resume"})
	}
}

// handleEventSSE streams observe events, optionally filtered by run, kind
// and status. With a run filter and a trace store, recorded events are sent
// first.
func (s *Server) handleEventSSE(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	id, ch := s.stream.subscribe(128)
	defer s.stream.unsubscribe(id)
	runIDFilter := strings.TrimSpace(r.URL.Query().Get("run_id"))
	kindFilter := strings.TrimSpace(r.URL.Query().Get("kind"))
	statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))

	if s.cfg.TraceStore != nil && runIDFilter != "" {
		backlog, err := s.cfg.TraceStore.ListEventsByRun(r.Context(), runIDFilter, observestore.ListQuery{
			Limit:  50,
			Kind:   observe.Kind(kindFilter),
			Status: observe.Status(statusFilter),
		})
		if err == nil {
			for _, event := range backlog {
				if !eventMatchesFilter(event, runIDFilter, kindFilter, statusFilter) {
					continue
				}
				if err := sse.send("", event); err != nil {
					return
				}
			}
		}
	}

	ping := time.NewTicker(keepAliveInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := sse.keepAlive(); err != nil {
				return
			}
		case event := <-ch:
			if !eventMatchesFilter(event, runIDFilter, kindFilter, statusFilter) {
				continue
			}
			if err := sse.send("", event); err != nil {
				return
			}
		}
	}
}

func eventMatchesFilter(event observe.Event, runIDFilter string, kindFilter string, statusFilter string) bool {
	if runIDFilter != "" && !strings.EqualFold(strings.TrimSpace(event.RunID), runIDFilter) {
		return false
	}
	if kindFilter != "" && !strings.EqualFold(strings.TrimSpace(string(event.Kind)), kindFilter) {
		return false
	}
	if statusFilter != "" && !strings.EqualFold(strings.TrimSpace(string(event.Status)), statusFilter) {
		return false
	}
	return true
}

// wsCommand is a client frame on the run WebSocket.
type wsCommand struct {
	Type   string          `json:"type"`
	HookID string          `json:"hookId,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// wsFrame is a server frame on the run WebSocket.
type wsFrame struct {
	Type    string         `json:"type"`
	Message *types.Message `json:"message,omitempty"`
	Run     *RunView       `json:"run,omitempty"`
	Command string         `json:"command,omitempty"`
	HookID  string         `json:"hookId,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// handleWebSocket streams a live run's messages and accepts resolve,
// cancel and stop commands on the same connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, runID string) {
	lr, ok := s.runs.get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, errRunNotLive)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(frame wsFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(frame)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			var cmd wsCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if err := send(s.applyCommand(lr, cmd)); err != nil {
				return
			}
		}
	}()

	id, backlog, ch := lr.hub.subscribe(0)
	defer lr.hub.unsubscribe(id)
	for _, msg := range backlog {
		if err := send(wsFrame{Type: "message", Message: msg}); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				s.finishStream(lr, func(event string, payload any) error {
					frame := wsFrame{Type: event}
					switch p := payload.(type) {
					case RunView:
						frame.Run = &p
					case map[string]string:
						frame.Error = p["error"]
					}
					return send(frame)
				})
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
					time.Now().Add(wsWriteTimeout))
				writeMu.Unlock()
				return
			}
			if err := send(wsFrame{Type: "message", Message: msg}); err != nil {
				return
			}
		}
	}
}

func (s *Server) applyCommand(lr *liveRun, cmd wsCommand) wsFrame {
	ack := wsFrame{Type: "ack", Command: cmd.Type, HookID: cmd.HookID}
	var err error
	switch cmd.Type {
	case "resolve":
		if len(cmd.Value) == 0 {
			err = fmt.Errorf("resolve needs a value")
			break
		}
		err = lr.run.Resolve(cmd.HookID, cmd.Value)
	case "cancel":
		err = lr.run.Cancel(cmd.HookID)
	case "stop":
		lr.run.Stop()
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}
	if err != nil {
		return wsFrame{Type: "error", Command: cmd.Type, HookID: cmd.HookID, Error: err.Error()}
	}
	return ack
}
