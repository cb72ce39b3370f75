package main

import (
	"context"
	"flag"
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"synced-todos/internal/api"
	"synced-todos/internal/config"
	"synced-todos/internal/crdt"
	"synced-todos/internal/services"
	"synced-todos/internal/services/collaboration"
	"synced-todos/internal/signaling"
	"synced-todos/internal/telemetry"
	"synced-todos/internal/transport"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection
2. Choosing collaborators (signaling, transport) from configuration
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order: HTTP first, then peers, then signaling
*/

var userColors = []string{"#30bced", "#6eeb83", "#ffbc42", "#ecd444", "#ee6352", "#9ac2c9", "#8acb88", "#1be7ff"}

func main() {
	flag.Parse()
	defer glog.Flush()

	glog.Infof("starting synced-todos peer")

	cfg, err := config.Load()
	if err != nil {
		glog.Fatalf("failed to load config: %v", err)
	}

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	if cfg.TracingEnabled {
		jaegerShutdown, err := telemetry.InitJaeger("synced-todos", cfg.ReplicaID, cfg.JaegerEndpoint)
		if err != nil {
			glog.Warningf("failed to initialize Jaeger: %v (continuing without tracing)", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := jaegerShutdown(ctx); err != nil {
					glog.Warningf("failed to shutdown Jaeger: %v", err)
				}
			}()
		}
	}

	doc := crdt.NewDocument(cfg.ReplicaID, services.TodoSchema.Shape())
	todos, err := services.NewTodoService(doc)
	if err != nil {
		glog.Fatalf("failed to bind document: %v", err)
	}

	signaler, closeSignaler, err := newSignaler(cfg)
	if err != nil {
		glog.Fatalf("failed to set up %s signaling: %v", cfg.SignalingMode, err)
	}
	defer closeSignaler()

	connector, peerHandler := newConnector(cfg, signaler)
	provider := collaboration.NewProvider(doc, signaler, connector, collaboration.Options{
		Room:             cfg.RoomID,
		PeerID:           cfg.ReplicaID,
		Address:          cfg.PublicAddress,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
		AwarenessTimeout: cfg.AwarenessTimeout,
	})
	provider.OnStateChange(func(from, to collaboration.State) {
		glog.Infof("sync %s -> %s", from, to)
	})
	provider.Awareness().SetLocalState(map[string]any{
		"user": map[string]any{"name": cfg.UserName, "color": colorFor(cfg.ReplicaID)},
	})

	handler := api.NewHandler(todos, provider)
	router := api.SetupRoutes(handler, transport.PeerPath, peerHandler)

	addr := cfg.ListenAddr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in a goroutine
	// Learning: This allows us to handle shutdown signals concurrently
	go func() {
		glog.Infof("peer %s listening on http://%s (room %q, %s signaling, %s transport)",
			cfg.ReplicaID, addr, cfg.RoomID, cfg.SignalingMode, cfg.TransportMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("server error: %v", err)
		}
	}()

	if cfg.AutoConnect {
		if err := provider.Connect(context.Background()); err != nil {
			glog.Errorf("failed to connect: %v", err)
		}
	}

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	glog.Infof("shutting down peer")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		glog.Warningf("server forced to shutdown: %v", err)
	}

	// Learning: Close sends a leave signal so peers drop us at once
	if err := provider.Close(); err != nil {
		glog.Warningf("failed to close provider: %v", err)
	}

	glog.Infof("peer shutdown complete")
}

// newSignaler builds the rendezvous mechanism named by SIGNALING_MODE.
func newSignaler(cfg *config.Config) (signaling.Signaler, func(), error) {
	noop := func() {}
	switch cfg.SignalingMode {
	case config.SignalingWebsocket:
		return signaling.NewWebsocketSignaler(cfg.SignalingURL), noop, nil
	case config.SignalingRedis:
		s := signaling.NewRedisSignaler(cfg.RedisAddr)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			// Not fatal: the provider keeps retrying to join.
			glog.Warningf("redis at %s not reachable yet: %v", cfg.RedisAddr, err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				glog.Warningf("failed to close redis: %v", err)
			}
		}, nil
	case config.SignalingMDNS:
		s, err := signaling.NewMDNSSignaler(cfg.MDNSService, cfg.PublicAddress)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case config.SignalingNone:
		glog.Warningf("signaling disabled, working offline")
		return signaling.NewLocalHub().Signaler(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown signaling mode %q", cfg.SignalingMode)
	}
}

// newConnector builds the session transport. Direct sessions are accepted on
// the API listener, so the connector doubles as an HTTP handler.
func newConnector(cfg *config.Config, signaler signaling.Signaler) (transport.Connector, http.Handler) {
	if cfg.TransportMode == config.TransportDirect {
		c := transport.NewDirectConnector()
		return c, c
	}
	return transport.NewWebRTCConnector(signaler, cfg.STUNURLs), nil
}

func colorFor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return userColors[h.Sum32()%uint32(len(userColors))]
}
