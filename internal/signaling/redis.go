package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// RedisSignaler uses redis pub/sub channels as rendezvous points, one channel
// per room. Any number of peers may share one redis server.
type RedisSignaler struct {
	client *redis.Client
	prefix string

	mu   sync.Mutex
	subs map[string]*redisMembership
}

type redisMembership struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

func (m *redisMembership) close() {
	m.once.Do(func() {
		close(m.done)
		m.pubsub.Close()
	})
}

func NewRedisSignaler(addr string) *RedisSignaler {
	return NewRedisSignalerWithClient(redis.NewClient(&redis.Options{Addr: addr}))
}

func NewRedisSignalerWithClient(client *redis.Client) *RedisSignaler {
	return &RedisSignaler{
		client: client,
		prefix: "synced-todos:signal:",
		subs:   make(map[string]*redisMembership),
	}
}

// Ping checks that the server is reachable.
func (s *RedisSignaler) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSignaler) channel(room string) string {
	return s.prefix + room
}

func (s *RedisSignaler) Join(ctx context.Context, room, peer string) (<-chan Signal, error) {
	pubsub := s.client.Subscribe(ctx, s.channel(room))
	// Wait for the subscription confirmation so that no signal sent after
	// Join returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel(room), err)
	}

	m := &redisMembership{pubsub: pubsub, done: make(chan struct{})}
	s.mu.Lock()
	if old, ok := s.subs[room]; ok {
		old.close()
	}
	s.subs[room] = m
	s.mu.Unlock()

	raw := make(chan Signal, sendBuffer)
	out := make(chan Signal, sendBuffer)
	go func() {
		defer close(raw)
		for msg := range pubsub.Channel() {
			var sig Signal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				glog.V(1).Infof("[signal]invalid redis message on %s: %v", msg.Channel, err)
				continue
			}
			select {
			case raw <- sig:
			case <-m.done:
				return
			}
		}
	}()
	go filter(peer, raw, out, m.done)
	return out, nil
}

func (s *RedisSignaler) Send(ctx context.Context, sig Signal) error {
	s.mu.Lock()
	_, ok := s.subs[sig.Room]
	s.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	b, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel(sig.Room), b).Err()
}

func (s *RedisSignaler) Leave(room string) error {
	s.mu.Lock()
	m, ok := s.subs[room]
	delete(s.subs, room)
	s.mu.Unlock()
	if ok {
		m.close()
	}
	return nil
}

// Close leaves every room and closes the redis client.
func (s *RedisSignaler) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*redisMembership)
	s.mu.Unlock()
	for _, m := range subs {
		m.close()
	}
	return s.client.Close()
}
