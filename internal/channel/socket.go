package channel

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	outboundBuffer = 64
)

// sender is the outbound half of a session, abstracted so session logic is
// testable without a websocket.
type sender interface {
	send(Message) bool
	shutdown()
}

// Socket pumps JSON envelopes over one websocket connection. Reads are
// delivered to the session's handler on the read goroutine; writes are
// serialized through the write pump.
type Socket struct {
	conn   *websocket.Conn
	out    chan Message
	done   chan struct{}
	closer sync.Once
	logger *log.Logger
}

// NewSocket wraps an upgraded connection.
func NewSocket(conn *websocket.Conn, logger *log.Logger) *Socket {
	if logger == nil {
		logger = log.Default()
	}
	return &Socket{
		conn:   conn,
		out:    make(chan Message, outboundBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// send queues an envelope. False means the socket is closed or the queue is
// full; callers treat either as a dead peer.
func (s *Socket) send(m Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- m:
		return true
	default:
		s.logger.Printf("[channel] outbound queue full, dropping %s and closing", m.Event)
		s.shutdown()
		return false
	}
}

// shutdown closes the connection. Idempotent; unblocks Run.
func (s *Socket) shutdown() {
	s.closer.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Run drives both pumps until the peer disconnects or ctx is cancelled.
// handle runs on the read goroutine, strictly sequentially.
func (s *Socket) Run(ctx context.Context, handle func(Message)) error {
	go s.writePump()
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-s.done:
		}
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	defer s.shutdown()
	for {
		var m Message
		if err := s.conn.ReadJSON(&m); err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			return nil
		}
		handle(m)
	}
}

func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case m := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(m); err != nil {
				s.shutdown()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown()
				return
			}
		}
	}
}
