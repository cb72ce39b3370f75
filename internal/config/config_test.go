package config

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REPLICA_ID", "replica-a")
	cfg, err := Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.RoomID, "syncedstore-todos")
	assert.Equal(t, cfg.ReplicaID, "replica-a")
	assert.Equal(t, cfg.AwarenessTimeout, 30*time.Second)
	assert.Equal(t, cfg.ListenAddr(), cfg.ServerHost+":"+cfg.ServerPort)
	assert.Equal(t, cfg.SignalingListenAddr(), cfg.ServerHost+":4444")
	assert.Equal(t, cfg.AutoConnect, true)
	assert.Equal(t, cfg.PublicAddress, cfg.ListenAddr())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ROOM_ID", "kitchen")
	t.Setenv("SIGNALING_MODE", "MDNS")
	t.Setenv("TRANSPORT_MODE", "direct")
	t.Setenv("RECONNECT_INITIAL", "250")
	t.Setenv("RECONNECT_MAX", "5s")
	t.Setenv("STUN_URLS", "stun:a:1, stun:b:2")
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.RoomID, "kitchen")
	assert.Equal(t, cfg.SignalingMode, SignalingMDNS)
	assert.Equal(t, cfg.ReconnectInitial, 250*time.Millisecond)
	assert.Equal(t, cfg.ReconnectMax, 5*time.Second)
	assert.Equal(t, cfg.STUNURLs, []string{"stun:a:1", "stun:b:2"})
	assert.Equal(t, cfg.TracingEnabled, true)
}

func TestValidate(t *testing.T) {
	t.Setenv("SIGNALING_MODE", "mdns")
	t.Setenv("TRANSPORT_MODE", "webrtc")
	_, err := Load()
	assert.NotEqual(t, err, nil)

	t.Setenv("SIGNALING_MODE", "carrier-pigeon")
	_, err = Load()
	assert.NotEqual(t, err, nil)

	t.Setenv("SIGNALING_MODE", "none")
	t.Setenv("RECONNECT_INITIAL", "10s")
	t.Setenv("RECONNECT_MAX", "1s")
	_, err = Load()
	assert.NotEqual(t, err, nil)
}
