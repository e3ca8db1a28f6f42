// cmd/meshnode is the process that hosts one actor: it wires storage,
// trust, capabilities, circuit-breaking, fan-out, subscriptions, and the
// subscriber-side callback processor into a single gin HTTP server.
// Mirrors ppriyankuu-godkv's cmd/server/main.go — flags/env to config,
// storage open, collaborator wiring, router setup, background ticker,
// signal-driven graceful shutdown — retargeted from KV/cluster state
// onto one mesh actor's trust/subscription state, and from raw flag
// parsing onto internal/config's viper-backed Load.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mesh-actingweb/actorcore/internal/actor"
	"github.com/mesh-actingweb/actorcore/internal/callback"
	"github.com/mesh-actingweb/actorcore/internal/capabilities"
	"github.com/mesh-actingweb/actorcore/internal/circuitbreaker"
	"github.com/mesh-actingweb/actorcore/internal/config"
	"github.com/mesh-actingweb/actorcore/internal/fanout"
	"github.com/mesh-actingweb/actorcore/internal/httpapi"
	"github.com/mesh-actingweb/actorcore/internal/logging"
	"github.com/mesh-actingweb/actorcore/internal/peerproxy"
	"github.com/mesh-actingweb/actorcore/internal/storage"
	"github.com/mesh-actingweb/actorcore/internal/subscription"
	"github.com/mesh-actingweb/actorcore/internal/trust"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	actorID := flag.String("id", "actor1", "Unique actor identifier")
	addr := flag.String("addr", ":8080", "Listen address (host:port)")
	dataDir := flag.String("data-dir", "", "Directory for WAL/snapshot storage; empty uses an in-memory store")
	configFile := flag.String("config", "", "Optional config file (yaml/json/toml, consumed through internal/config)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logging.Log.WithError(err).Fatal("load config")
	}

	// ── Storage ────────────────────────────────────────────────────────────
	var store storage.Store
	if *dataDir != "" {
		fs, err := storage.NewFileStore(*dataDir)
		if err != nil {
			logging.Log.WithError(err).Fatal("open file store")
		}
		defer fs.Close()
		store = fs
	} else {
		store = storage.NewMemoryStore()
	}

	// ── Collaborators ──────────────────────────────────────────────────────
	trustStore := trust.NewStore(store)
	client := peerproxy.New(peerproxy.Timeouts{Connect: cfg.ProxyConnectTimeout, Read: cfg.ProxyReadTimeout})
	caps := capabilities.New(client, trustStore, store)

	breaker, err := circuitbreaker.NewManager(context.Background(), *actorID, store,
		cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown, cfg.PersistCircuitBreakers)
	if err != nil {
		logging.Log.WithError(err).Fatal("build circuit breaker manager")
	}

	fanoutMgr := fanout.NewManager(fanout.Config{
		MaxConcurrent:                cfg.MaxConcurrent,
		MaxPayloadForHighGranularity: int(cfg.MaxPayloadForHighGranularity),
		CircuitBreakerThreshold:      cfg.CircuitBreakerThreshold,
		CircuitBreakerCooldown:       cfg.CircuitBreakerCooldown,
		RequestTimeout:               cfg.RequestTimeout,
		EnableCompression:            cfg.EnableCompression,
		PersistCircuitBreakers:       cfg.PersistCircuitBreakers,
		PublicBaseURL:                cfg.PublicBaseURL(),
	}, client, caps, breaker)

	subs := subscription.NewEngine(*actorID, cfg.PublicBaseURL(), store, trustStore, caps, fanoutMgr)
	a := actor.New(actor.Config{ID: *actorID, PublicBaseURL: cfg.PublicBaseURL(), Store: store, Trust: trustStore, Subs: subs, Breaker: breaker})

	handlers := callback.Handlers{
		OnResync: func(ctx context.Context, publisherID, subID string, data json.RawMessage) error {
			logging.FromContext(ctx).WithFields(logrus.Fields{
				"publisher_id": publisherID, "subscription_id": subID,
			}).Info("resync applied")
			return nil
		},
	}
	cb := callback.NewProcessor(*actorID, store, client, trustStore, handlers, cfg.PendingQueueBound)

	// ── HTTP server ────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(httpapi.Logger(*actorID), httpapi.Recovery())

	handler := httpapi.NewHandler(a, cb)
	handler.Register(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": *actorID, "status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// ── Background snapshot (only meaningful for a file-backed store) ──────
	if fs, ok := store.(*storage.FileStore); ok {
		go func() {
			ticker := time.NewTicker(60 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				if err := fs.Snapshot(); err != nil {
					logging.Log.WithError(err).Warn("snapshot failed")
				}
			}
		}()
	}

	go func() {
		logging.Log.WithFields(logrus.Fields{"actor_id": *actorID, "addr": *addr}).Info("meshnode listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log.WithError(err).Fatal("server error")
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Log.WithField("actor_id", *actorID).Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if fs, ok := store.(*storage.FileStore); ok {
		if err := fs.Snapshot(); err != nil {
			logging.Log.WithError(err).Warn("final snapshot failed")
		}
	}

	if err := srv.Shutdown(ctx); err != nil {
		logging.Log.WithError(err).Warn("server shutdown error")
	}
}
