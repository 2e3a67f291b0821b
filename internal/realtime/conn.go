package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pulse/internal/auth"
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateSubscribed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	StateConnecting:    {StateAuthenticated, StateDisconnected},
	StateAuthenticated: {StateSubscribed, StateDisconnected},
	StateSubscribed:    {StateSubscribed, StateDisconnected},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
)

// Conn is one websocket client. Frames are written by a single writer
// goroutine fed through a bounded queue; a client that cannot keep up is
// disconnected.
type Conn struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	log      zerolog.Logger
	comments *rate.Limiter

	mu    sync.Mutex
	state State

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, queue int, comments *rate.Limiter, log zerolog.Logger) *Conn {
	return &Conn{
		id:       id,
		ws:       ws,
		log:      log,
		comments: comments,
		state:    StateConnecting,
		send:     make(chan []byte, queue),
		done:     make(chan struct{}),
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the connection to the next state, rejecting moves the
// state machine does not allow.
func (c *Conn) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, allowed := range transitions[c.state] {
		if allowed == to {
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid connection transition %s -> %s", c.state, to)
}

// enqueue hands frame to the writer. A full queue closes the connection.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn().Msg("send queue full, dropping connection")
		c.close()
		return false
	}
}

// close stops the writer and the underlying socket. Safe to call repeatedly.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// closeWith sends a close frame with code before closing.
func (c *Conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.close()
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
