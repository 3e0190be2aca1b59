package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"flowstudio"
	"flowstudio/internal/api/websocket"
	"flowstudio/internal/realtime"
)

// The realtime service fans workflow events published by API instances on
// NATS out to observe-only websocket clients.
func main() {
	flowstudio.InitConfig(".env")
	cfg := flowstudio.GetConfig()
	logger := flowstudio.Logger

	if cfg.NatsConfig.URL == "" {
		logger.Fatal().Msg("NATS_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	bridge, err := realtime.NewNATSBridge(cfg.NatsConfig.URL, cfg.NatsConfig.TenantID, hub, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("NATS bridge")
	}
	defer bridge.Close()

	if err := bridge.Subscribe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("NATS subscribe")
	}

	settings := websocket.Settings{
		MaxMessagesPerSecond: cfg.ChannelConfig.MaxMessagesPerSecond,
		BurstSize:            cfg.ChannelConfig.BurstSize,
		SendBufferSize:       cfg.ChannelConfig.SendBufferSize,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		realtime.ServeWS(hub, cfg.JWTConfig.Secret, settings, logger, w, r)
	})

	server := &http.Server{Addr: cfg.RealtimePort, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("port", cfg.RealtimePort).Msg("Realtime service listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server")
	}
}
