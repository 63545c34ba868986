// Command presence runs the presence fabric: the websocket transport, the
// authoritative join/heartbeat/leave service, the cross-node event bridge,
// and the stale-connection reaper, wired against a shared backing store.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/outpostlabs/presence-fabric/internal/v1/bridge"
	"github.com/outpostlabs/presence-fabric/internal/v1/config"
	"github.com/outpostlabs/presence-fabric/internal/v1/health"
	"github.com/outpostlabs/presence-fabric/internal/v1/logging"
	"github.com/outpostlabs/presence-fabric/internal/v1/middleware"
	"github.com/outpostlabs/presence-fabric/internal/v1/presence"
	"github.com/outpostlabs/presence-fabric/internal/v1/ratelimit"
	"github.com/outpostlabs/presence-fabric/internal/v1/reaper"
	"github.com/outpostlabs/presence-fabric/internal/v1/store"
	"github.com/outpostlabs/presence-fabric/internal/v1/tracing"
	"github.com/outpostlabs/presence-fabric/internal/v1/transport"
)

// disposeGracePeriod bounds how long shutdown waits for in-flight Service
// calls to finish before canceling them (spec §5 "dispose()... grace
// period, default 5 s").
const disposeGracePeriod = 5 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		zap.L().Info("no .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		zap.L().Fatal("invalid configuration", zap.Error(err))
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		zap.L().Fatal("failed to initialize logger", zap.Error(err))
	}
	ctx := context.Background()
	logging.Info(ctx, "starting presence fabric",
		zap.String("store_addr", cfg.StoreAddr), zap.String("port", cfg.Port))

	if cfg.OtelEnabled {
		tp, err := tracing.InitTracer(ctx, "presence-fabric", cfg.OtelCollectorAddr, cfg.OtelInsecureSkipVerify)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize tracer", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	storeClient, err := store.NewClient(cfg.StoreAddr, cfg.StorePassword)
	if err != nil {
		logging.Fatal(ctx, "failed to connect to backing store", zap.Error(err))
	}
	defer storeClient.Close()

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, storeClient.RawClient())
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}

	service := presence.NewService(storeClient, cfg.TTL)

	eventBridge := bridge.New(storeClient)
	hub := transport.NewHub(service, rateLimiter, cfg.EventName, allowedOriginsList(cfg.AllowedOrigins))
	eventBridge.Register(hub.HandleBridgeEvent)
	eventBridge.Start(ctx)

	presenceReaper := reaper.New(storeClient, service, cfg.ReaperInterval, cfg.ReaperLookback)
	presenceReaper.Start(ctx)

	healthHandler := health.NewHandler(storeClient)

	router := gin.New()
	router.Use(gin.Recovery(), middleware.CorrelationID(), otelgin.Middleware("presence-fabric"))

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOriginsList(cfg.AllowedOrigins)
	router.Use(cors.New(corsCfg))

	router.GET("/ws", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz/live", healthHandler.Liveness)
	router.GET("/healthz/ready", healthHandler.Readiness)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		logging.Info(ctx, "http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutdown signal received")

	dispose(srv, presenceReaper, eventBridge)
}

// dispose implements the canonical shutdown sequence (spec §5): stop the
// reaper timer, unsubscribe the bridge, and await in-flight work up to a
// grace period before canceling what remains. Safe to call once; the
// pieces it calls are each independently idempotent.
func dispose(srv *http.Server, presenceReaper *reaper.Reaper, eventBridge *bridge.Bridge) {
	ctx, cancel := context.WithTimeout(context.Background(), disposeGracePeriod)
	defer cancel()

	presenceReaper.Stop()
	eventBridge.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Error(ctx, "http server did not shut down cleanly", zap.Error(err))
	}
	logging.Info(ctx, "presence fabric stopped")
}

// allowedOriginsList parses the comma-separated ALLOWED_ORIGINS config
// value, defaulting to the local dev origin when unset.
func allowedOriginsList(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
