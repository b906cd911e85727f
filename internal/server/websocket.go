package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/pulse/internal/metrics"
	"github.com/michaelbrown/pulse/internal/orchestrator"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Room for the JSON envelope around the largest accepted source.
	frameOverhead = 4 << 10

	// JSON escapes a control byte as \u00XX, so an accepted source can
	// encode to six times its length.
	maxEscapeFactor = 6
)

// Frame types beyond the orchestrator's event tags.
const (
	typeRun      = "run"
	typeCancel   = "cancel"
	typeAccepted = "accepted"
	typeDone     = "done"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // no client authentication
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
}

// wsConn serializes writes from the read loop and every submission goroutine.
type wsConn struct {
	conn *websocket.Conn
	log  zerolog.Logger

	mu     sync.Mutex
	broken bool
}

func (c *wsConn) send(msg wsOutgoing) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("websocket marshal error")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read loop notices the dead connection and cancels the rest.
		c.broken = true
		c.log.Debug().Err(err).Msg("websocket write error")
	}
}

func (c *wsConn) sendError(id, msg string) {
	c.send(wsOutgoing{Type: string(orchestrator.TagStderr), ID: id, Content: msg})
}

func (c *wsConn) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	as := s.sessions.Add(r.RemoteAddr, func() { conn.Close() })
	c := &wsConn{
		conn: conn,
		log:  s.log.With().Str("session", as.ID).Logger(),
	}
	c.log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	stopPing := make(chan struct{})
	defer func() {
		// Disconnecting kills whatever this client still has running, and
		// the handler returns only once their workspaces are gone.
		s.sessions.Remove(as.ID)
		as.Wait()
		close(stopPing)
		conn.Close()
		c.log.Info().Msg("client disconnected")
	}()

	// No SetReadLimit: gorilla closes the connection on an oversized frame,
	// while an oversized source must only reject that one submission.
	limit := s.frameLimit()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.pingLoop(stopPing)

	for {
		data, oversized, err := readFrame(conn, limit)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		if oversized {
			sub := orchestrator.NewSubmission("")
			c.send(wsOutgoing{Type: typeAccepted, ID: sub.ID})
			s.reject(c, sub.ID, fmt.Sprintf("message exceeds %d bytes; the source limit is %d", limit, s.cfg.Server.MaxSourceBytes))
			continue
		}

		var msg wsIncoming
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "invalid message")
			continue
		}

		switch msg.Type {
		case typeRun:
			s.startRun(c, as, msg.Content)
		case typeCancel:
			if !as.Cancel(msg.ID) {
				c.sendError("", fmt.Sprintf("no running submission %q", msg.ID))
			}
		default:
			c.sendError("", "invalid message")
		}
	}
}

// startRun acknowledges a run request and executes it on its own goroutine.
// Every accepted submission ends with exactly one done frame.
func (s *Server) startRun(c *wsConn, as *ActiveSession, source string) {
	sub := orchestrator.NewSubmission(source)
	c.send(wsOutgoing{Type: typeAccepted, ID: sub.ID})

	if len(source) > s.cfg.Server.MaxSourceBytes {
		s.reject(c, sub.ID, fmt.Sprintf("source is %d bytes; the limit is %d", len(source), s.cfg.Server.MaxSourceBytes))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !as.track(sub.ID, cancel) {
		cancel()
		c.send(wsOutgoing{Type: typeDone, ID: sub.ID, Content: string(orchestrator.Cancelled)})
		return
	}

	go func() {
		defer as.untrack(sub.ID)

		sink := orchestrator.SinkFunc(func(e orchestrator.Event) {
			c.send(wsOutgoing{Type: string(e.Tag), ID: sub.ID, Content: e.Payload})
		})
		res := s.runner.Submit(ctx, sub, sink)
		c.send(wsOutgoing{Type: typeDone, ID: sub.ID, Content: string(res.State)})
	}()
}

// reject ends an accepted submission that never got a workspace.
func (s *Server) reject(c *wsConn, id, msg string) {
	c.sendError(id, msg)
	c.send(wsOutgoing{Type: typeDone, ID: id, Content: string(orchestrator.Rejected)})
	metrics.SubmissionsTotal.WithLabelValues(string(orchestrator.Rejected)).Inc()
}

// frameLimit is the largest inbound frame (or REST body) that is decoded.
// It fits any source within max_source_bytes however it is escaped.
func (s *Server) frameLimit() int64 {
	return maxEscapeFactor*int64(s.cfg.Server.MaxSourceBytes) + frameOverhead
}

// readFrame reads the next data message, keeping at most limit bytes. A
// longer message is drained and reported as oversized; the connection stays
// usable.
func readFrame(conn *websocket.Conn, limit int64) ([]byte, bool, error) {
	_, r, err := conn.NextReader()
	if err != nil {
		return nil, false, err
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) <= limit {
		return data, false, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, true, err
	}
	return nil, true, nil
}
