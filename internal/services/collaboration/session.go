package collaboration

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"synced-todos/internal/crdt"
	"synced-todos/internal/models"
	"synced-todos/internal/transport"
)

// SessionState is the lifecycle of one peer session.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionSyncing
	SessionConnected
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionSyncing:
		return "syncing"
	case SessionConnected:
		return "connected"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const sessionSendBuffer = 256

// PeerSession is one live link to a remote peer. Its state fields are owned
// by the coordinator; the pumps only touch the connection and the queue.
type PeerSession struct {
	info  *models.PeerSession
	conn  transport.Conn
	send  chan []byte // Buffered channel for outbound messages
	coord *coordinator

	state    SessionState
	remoteSV crdt.StateVector

	lastActive atomic.Int64
	done       chan struct{}
	closeOnce  sync.Once
}

func newPeerSession(c *coordinator, remote string, conn transport.Conn, offerer bool) *PeerSession {
	s := &PeerSession{
		info:  models.NewPeerSession(c.p.opts.Room, remote, offerer),
		conn:  conn,
		send:  make(chan []byte, sessionSendBuffer),
		coord: c,
		state: SessionConnecting,
		done:  make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *PeerSession) Remote() string {
	return s.info.PeerID
}

func (s *PeerSession) ID() string {
	return s.info.ID
}

func (s *PeerSession) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// queue hands msg to the write pump. It reports false when the session is
// closed or its buffer is full.
func (s *PeerSession) queue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *PeerSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *PeerSession) snapshot() models.PeerSession {
	info := *s.info
	info.State = s.state.String()
	info.LastActiveAt = time.Unix(0, s.lastActive.Load())
	if len(s.remoteSV) > 0 {
		info.StateVector = make(map[string]uint64, len(s.remoteSV))
		for r, n := range s.remoteSV {
			info.StateVector[r] = n
		}
	}
	return info
}

// ReadPump reads messages from the peer and hands them to the coordinator
// Learning: Each session has its own goroutine reading from the connection
func (s *PeerSession) ReadPump() {
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			s.coord.post(sessionClosed{session: s, err: err})
			return
		}
		s.touch()
		if !s.coord.post(inbound{session: s, msg: msg}) {
			return
		}
	}
}

// WritePump writes queued messages to the peer
// Learning: Separate goroutine for writing prevents blocking on slow peers
func (s *PeerSession) WritePump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.conn.WriteMessage(msg); err != nil {
				glog.V(1).Infof("[session]%s write to %s failed: %v", s.ID(), s.Remote(), err)
				// The read pump reports the failure.
				s.conn.Close()
				return
			}
		}
	}
}
