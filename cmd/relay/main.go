package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	config "peerelect/configs"
	"peerelect/pkg/api/middleware"
	"peerelect/pkg/logger"
	"peerelect/pkg/transport/websocket"
)

func main() {
	cfg := config.LoadConfig()

	logCfg := logger.DefaultConfig("peerelect-relay")
	logCfg.Level = cfg.LogLevel
	logCfg.Encoding = cfg.LogEncoding
	log, err := logger.Init(logCfg)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	relay := websocket.NewRelay(log)
	go relay.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "clients": relay.Clients()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	relay.Routes(router)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.RelayPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.RelayAdvertise {
		host, _ := os.Hostname()
		mdns, err := websocket.Advertise("peerelect-relay-"+host, cfg.RelayPort)
		if err != nil {
			log.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			defer mdns.Shutdown()
			log.Info("Advertising relay over mDNS", zap.String("service", websocket.ServiceType))
		}
	}

	go func() {
		log.Info("Relay listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Relay server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down relay")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Relay shutdown error", zap.Error(err))
	}
}
