package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

var ErrDirectedUnsupported = errors.New("signaling: mdns can not deliver directed signals")

const mdnsDomain = "local."

// MDNSSignaler discovers peers on the local network. It can only announce:
// every registered instance of the service in the same room is reported as an
// announce signal carrying its dial address, so it pairs with direct sessions.
type MDNSSignaler struct {
	service string
	port    int
	address string

	mu    sync.Mutex
	rooms map[string]*mdnsMembership
}

type mdnsMembership struct {
	server *zeroconf.Server
	cancel context.CancelFunc
}

// NewMDNSSignaler registers instances of service. address is the host:port
// peers should dial.
func NewMDNSSignaler(service, address string) (*MDNSSignaler, error) {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("mdns address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("mdns port %q: %w", portStr, err)
	}
	return &MDNSSignaler{
		service: service,
		port:    port,
		address: address,
		rooms:   make(map[string]*mdnsMembership),
	}, nil
}

func (s *MDNSSignaler) Join(ctx context.Context, room, peer string) (<-chan Signal, error) {
	server, err := zeroconf.Register(peer, s.service, mdnsDomain, s.port,
		[]string{"room=" + room, "addr=" + s.address}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	browseCtx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, s.service, mdnsDomain, entries); err != nil {
		cancel()
		server.Shutdown()
		return nil, fmt.Errorf("browse mdns services: %w", err)
	}

	s.mu.Lock()
	if old, ok := s.rooms[room]; ok {
		old.cancel()
		old.server.Shutdown()
	}
	s.rooms[room] = &mdnsMembership{server: server, cancel: cancel}
	s.mu.Unlock()

	out := make(chan Signal, sendBuffer)
	go func() {
		defer close(out)
		for {
			var entry *zeroconf.ServiceEntry
			select {
			case <-browseCtx.Done():
				return
			case e, ok := <-entries:
				if !ok {
					return
				}
				entry = e
			}
			sig, ok := entrySignal(entry, room)
			if !ok || !sig.For(peer) {
				continue
			}
			glog.V(1).Infof("[signal]mdns discovered %s at %s", sig.From, sig.Address)
			select {
			case out <- sig:
			case <-browseCtx.Done():
				return
			}
		}
	}()
	return out, nil
}

// entrySignal turns a resolved instance into an announce for room.
func entrySignal(entry *zeroconf.ServiceEntry, room string) (Signal, bool) {
	var entryRoom, addr string
	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, "room="):
			entryRoom = strings.TrimPrefix(txt, "room=")
		case strings.HasPrefix(txt, "addr="):
			addr = strings.TrimPrefix(txt, "addr=")
		}
	}
	if entryRoom != room {
		return Signal{}, false
	}
	if len(entry.AddrIPv4) > 0 {
		host, _, err := net.SplitHostPort(addr)
		if err != nil || host == "" || host == "localhost" || host == "0.0.0.0" {
			addr = net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port))
		}
	}
	if addr == "" {
		return Signal{}, false
	}
	return Signal{Room: room, From: entry.Instance, Kind: KindAnnounce, Address: addr}, true
}

// Send accepts announce and leave, which mdns conveys through registration.
func (s *MDNSSignaler) Send(ctx context.Context, sig Signal) error {
	s.mu.Lock()
	_, ok := s.rooms[sig.Room]
	s.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	switch sig.Kind {
	case KindAnnounce, KindLeave:
		return nil
	default:
		return ErrDirectedUnsupported
	}
}

func (s *MDNSSignaler) Leave(room string) error {
	s.mu.Lock()
	m, ok := s.rooms[room]
	delete(s.rooms, room)
	s.mu.Unlock()
	if ok {
		m.cancel()
		m.server.Shutdown()
	}
	return nil
}
