package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hkuds/sandboxd/internal/terminal"
)

var (
	errConnClosed    = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
)

const attachQueueLength = 4

// wsConn is one terminal client connection. It owns a terminal bridge and
// serializes everything written to the socket through its write pump.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	server *Server
	bridge *terminal.Bridge
	log    logrus.FieldLogger

	send    chan []byte
	attachQ chan string

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(s.connContext())
	c := &wsConn{
		id:      uuid.NewString(),
		conn:    conn,
		server:  s,
		send:    make(chan []byte, s.opts.SendQueue),
		attachQ: make(chan string, attachQueueLength),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.log = s.log.WithFields(logrus.Fields{
		"conn_id":     c.id,
		"remote_addr": r.RemoteAddr,
	})
	c.bridge = terminal.NewBridge(s.manager, c, c.log)

	s.track(c)
	c.log.Info("Terminal client connected")

	go c.writePump()
	go c.attachLoop()
	go c.readPump()
}

// Emit queues an event for the client. A client that cannot keep up with
// its queue is disconnected.
func (c *wsConn) Emit(ev terminal.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.log.Warn("Send queue full, dropping client")
		go c.close()
		return errSendQueueFull
	}
}

// readPump dispatches client frames. Input is handled inline so that it
// reaches the exec in receipt order; attach requests go to attachLoop.
func (c *wsConn) readPump() {
	defer c.close()

	opts := c.server.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.WithError(err).Debug("WebSocket read failed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := terminal.DecodeEvent(data)
		if err != nil {
			_ = c.Emit(terminal.Error("invalid message"))
			continue
		}
		if !c.dispatch(ev) {
			return
		}
	}
}

// dispatch handles one client event and reports whether to keep reading.
func (c *wsConn) dispatch(ev terminal.Event) bool {
	switch ev.Name {
	case terminal.EventAttach:
		select {
		case c.attachQ <- ev.ContainerID:
		default:
			_ = c.Emit(terminal.Error("too many pending attach requests"))
		}
	case terminal.EventInput:
		c.bridge.Input(ev.Data)
	case terminal.EventResize:
		c.bridge.Resize(c.ctx, ev.Rows, ev.Cols)
	case terminal.EventDisconnect:
		return false
	default:
		_ = c.Emit(terminal.Error("unknown event: " + ev.Name))
	}
	return true
}

// attachLoop runs attach requests one at a time, in order, off the read
// goroutine.
func (c *wsConn) attachLoop() {
	for {
		select {
		case <-c.done:
			return
		case containerID := <-c.attachQ:
			c.log.WithField("container_id", containerID).Debug("Attach requested")
			if err := c.bridge.Attach(c.ctx, containerID); err != nil && !errors.Is(err, terminal.ErrClosed) {
				c.log.WithError(err).WithField("container_id", containerID).Debug("Attach failed")
			}
		}
	}
}

func (c *wsConn) writePump() {
	opts := c.server.opts
	ticker := time.NewTicker(opts.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("WebSocket write failed")
				go c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// close tears the connection down once: the bridge first, so that no
// further events are queued, then the socket.
func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.bridge.Close()
		c.cancel()
		close(c.done)
		c.server.untrack(c)
		c.log.Info("Terminal client disconnected")
	})
}
