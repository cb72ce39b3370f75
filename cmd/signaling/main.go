package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"synced-todos/internal/config"
	"synced-todos/internal/signaling"
	"synced-todos/internal/telemetry"
)

/*
LEARNING: RENDEZVOUS SERVER

Peers never send document data through this server. It only relays small
JSON signals (announce, leave, WebRTC offers/answers/candidates) between the
members of a room, so one instance can serve many rooms.
*/

func main() {
	flag.Parse()
	defer glog.Flush()

	glog.Infof("starting synced-todos signaling server")

	cfg, err := config.Load()
	if err != nil {
		glog.Fatalf("failed to load config: %v", err)
	}

	if cfg.TracingEnabled {
		jaegerShutdown, err := telemetry.InitJaeger("synced-todos-signaling", cfg.ReplicaID, cfg.JaegerEndpoint)
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

	hub := signaling.NewHub()
	hub.Start()

	addr := cfg.SignalingListenAddr()
	server := &http.Server{
		Addr:        addr,
		Handler:     signaling.NewRouter(hub),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		glog.Infof("signaling listening on ws://%s/signal", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	glog.Infof("shutting down signaling server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Learning: hijacked websockets are not closed by Shutdown, the hub does that
	hub.Shutdown()
	if err := server.Shutdown(ctx); err != nil {
		glog.Warningf("server forced to shutdown: %v", err)
	}

	glog.Infof("signaling shutdown complete")
}
