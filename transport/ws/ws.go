// Package ws serves the bidirectional WebSocket transport: clients send
// tool-call and subscribe frames, the server answers with result frames and
// pushes job events for every active subscription on the connection.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/researchmcp/orchestrator/internal/errkind"
	"github.com/researchmcp/orchestrator/internal/telemetry"
	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/transport"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

type (
	// inFrame is a client-to-server frame.
	inFrame struct {
		ID           int64           `json:"id,omitempty"`
		Type         string          `json:"type"`
		Name         string          `json:"name,omitempty"`
		Arguments    json.RawMessage `json:"arguments,omitempty"`
		JobID        string          `json:"job_id,omitempty"`
		SinceEventID int64           `json:"since_event_id,omitempty"`
	}

	// outFrame is a server-to-client frame.
	outFrame struct {
		ID     int64                `json:"id,omitempty"`
		Type   string               `json:"type"`
		JobID  string               `json:"job_id,omitempty"`
		Result any                  `json:"result,omitempty"`
		Error  string               `json:"error,omitempty"`
		Kind   string               `json:"kind,omitempty"`
		Event  *transport.WireEvent `json:"event,omitempty"`
	}

	// Handler upgrades connections and serves the frame protocol.
	Handler struct {
		router   *transport.Router
		logger   telemetry.Logger
		upgrader websocket.Upgrader
	}

	// conn wraps one client connection with serialised writes.
	conn struct {
		ws     *websocket.Conn
		mu     sync.Mutex
		logger telemetry.Logger
	}
)

// New constructs a Handler around router.
func New(router *transport.Router, logger telemetry.Logger) *Handler {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Handler{
		router: router,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP implements http.Handler. A job_id query parameter attaches an
// initial subscription, so a plain streaming client never has to send a
// frame; since_event_id sets its replay cursor.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: wsConn, logger: h.logger}
	defer wsConn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go c.pingLoop(ctx)

	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		since := int64(0)
		if v := r.URL.Query().Get("since_event_id"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				since = n
			}
		}
		go h.streamJob(ctx, c, jobID, since)
	}

	for {
		var frame inFrame
		if err := wsConn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "tool_call":
			go h.handleToolCall(ctx, c, frame)
		case "subscribe":
			if frame.JobID == "" {
				c.send(outFrame{ID: frame.ID, Type: "error", Error: "job_id is required", Kind: string(errkind.InvalidParams)})
				continue
			}
			go h.streamJob(ctx, c, frame.JobID, frame.SinceEventID)
		default:
			c.send(outFrame{ID: frame.ID, Type: "error", Error: "unknown frame type " + frame.Type, Kind: string(errkind.InvalidParams)})
		}
	}
}

func (h *Handler) handleToolCall(ctx context.Context, c *conn, frame inFrame) {
	result, err := h.router.CallTool(ctx, frame.Name, frame.Arguments)
	if err != nil {
		c.send(outFrame{ID: frame.ID, Type: "error", Error: err.Error(), Kind: string(errkind.Classify(err))})
		return
	}
	c.send(outFrame{ID: frame.ID, Type: "result", Result: result})
}

// streamJob pushes a job's events to the connection until the terminal
// event, the subscription is dropped for slowness, or the connection goes
// away.
func (h *Handler) streamJob(ctx context.Context, c *conn, jobID string, since int64) {
	sub, ch, err := h.router.Bus.Subscribe(ctx, jobID, since)
	if err != nil {
		c.send(outFrame{Type: "error", JobID: jobID, Error: "subscribe failed", Kind: string(errkind.Transient)})
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, open := <-ch:
			if !open {
				c.send(outFrame{Type: "error", JobID: jobID, Error: "subscriber fell behind", Kind: string(jobs.EventSubscriberSlow)})
				return
			}
			frame := transport.ToWire(e)
			if !c.send(outFrame{Type: "event", JobID: jobID, Event: &frame}) {
				return
			}
			if e.Type.IsTerminal() {
				return
			}
		}
	}
}

func (c *conn) send(frame outFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(frame); err != nil {
		c.logger.Debug(context.Background(), "ws: write failed", "error", err)
		return false
	}
	return true
}

func (c *conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
