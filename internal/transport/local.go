package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"synced-todos/internal/signaling"
)

// LocalNetwork connects peers of one process through in-memory pipes.
type LocalNetwork struct {
	mu    sync.Mutex
	peers   map[string]*LocalConnector
	links   map[[2]string][]net.Conn
	blocked map[[2]string]bool
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		peers: make(map[string]*LocalConnector),
		links:   make(map[[2]string][]net.Conn),
		blocked: make(map[[2]string]bool),
	}
}

// Connector registers peer on the network.
func (n *LocalNetwork) Connector(peer string) *LocalConnector {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &LocalConnector{
		network: n,
		peer:    peer,
		accept:  make(chan Accepted, 16),
		done:    make(chan struct{}),
	}
	n.peers[peer] = c
	return c
}

func linkKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Sever closes every pipe between a and b, as a network failure would.
func (n *LocalNetwork) Sever(a, b string) {
	n.mu.Lock()
	key := linkKey(a, b)
	conns := n.links[key]
	delete(n.links, key)
	n.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Block severs a and b and refuses new pipes between them until Unblock.
func (n *LocalNetwork) Block(a, b string) {
	n.mu.Lock()
	n.blocked[linkKey(a, b)] = true
	n.mu.Unlock()
	n.Sever(a, b)
}

func (n *LocalNetwork) Unblock(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, linkKey(a, b))
}

func (n *LocalNetwork) dial(room, local, remote string) (net.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.blocked[linkKey(local, remote)] {
		return nil, fmt.Errorf("local network: %s and %s are partitioned", local, remote)
	}
	target, ok := n.peers[remote]
	if !ok {
		return nil, fmt.Errorf("local network: no peer %q", remote)
	}
	near, far := net.Pipe()
	select {
	case <-target.done:
		return nil, fmt.Errorf("local network: peer %q: %w", remote, ErrConnectorClosed)
	case target.accept <- Accepted{Room: room, Remote: local, Conn: NewStreamConn(far)}:
	default:
		return nil, fmt.Errorf("local network: peer %q is not accepting", remote)
	}
	key := linkKey(local, remote)
	n.links[key] = append(n.links[key], near, far)
	return near, nil
}

// LocalConnector is one peer's end of a LocalNetwork.
type LocalConnector struct {
	network *LocalNetwork
	peer    string
	accept  chan Accepted
	done    chan struct{}
	once    sync.Once
}

func (c *LocalConnector) Dial(ctx context.Context, room, local string, remote Peer) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-c.done:
		return nil, ErrConnectorClosed
	default:
	}
	conn, err := c.network.dial(room, local, remote.ID)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(conn), nil
}

func (c *LocalConnector) Accept() <-chan Accepted {
	return c.accept
}

func (c *LocalConnector) HandleSignal(signaling.Signal) bool {
	return false
}

func (c *LocalConnector) Close() error {
	c.once.Do(func() {
		c.network.mu.Lock()
		if c.network.peers[c.peer] == c {
			delete(c.network.peers, c.peer)
		}
		c.network.mu.Unlock()
		close(c.done)
	})
	return nil
}
