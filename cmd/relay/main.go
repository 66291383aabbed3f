package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/relay/internal/bridge"
	"github.com/rickgao/relay/internal/config"
	"github.com/rickgao/relay/internal/gateway"
	"github.com/rickgao/relay/internal/hub"
	"github.com/rickgao/relay/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"listen_addr", cfg.Server.ListenAddr,
		"redis_addr", cfg.Redis.Addr,
		"redis_channel", cfg.Redis.Channel,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connection hub
	h := hub.New(logger)

	// WebSocket gateway
	gw := gateway.New(gateway.Config{
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		WriteBufferSize: cfg.Server.WriteBufferSize,
		MaxMessageSize:  cfg.Server.MaxMessageSize,
		WriteTimeout:    cfg.Server.WriteTimeout,
		PingInterval:    cfg.Server.PingInterval,
		PongTimeout:     cfg.Server.PongTimeout,
		SendBufferSize:  cfg.Hub.SendBufferSize,
	}, h, logger)

	// Event bridge from Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	br := bridge.New(bridge.Config{
		Channel:            cfg.Redis.Channel,
		ReceiveTimeout:     cfg.Redis.ReceiveTimeout,
		ReconnectBaseDelay: cfg.Redis.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Redis.ReconnectMaxDelay,
	}, bridge.NewRedisSubscriber(redisClient, cfg.Redis.Channel), h, logger)

	if err := br.Start(ctx); err != nil {
		logger.Error("failed to start bridge", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stopCancel()
		br.Stop(stopCtx)
	}()

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: createHandler(gw, h, br),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("relay stopped")
}

// createHandler wires the WebSocket endpoint, health check, and the
// control-plane admin operations.
func createHandler(gw *gateway.Gateway, h *hub.Hub, br *bridge.Bridge) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/ws", gw)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		stats := h.Stats()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "healthy",
			"bridge":      br.State().String(),
			"connections": stats.TotalConnections,
			"version":     version.Version,
		})
	})

	mux.HandleFunc("GET /admin/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Stats())
	})

	mux.HandleFunc("GET /admin/rooms", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"rooms": h.Rooms()})
	})

	mux.HandleFunc("GET /admin/connections/{id}", func(w http.ResponseWriter, r *http.Request) {
		info, ok := h.Describe(hub.ConnID(r.PathValue("id")))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
			return
		}
		writeJSON(w, http.StatusOK, info)
	})

	mux.HandleFunc("POST /admin/broadcast", func(w http.ResponseWriter, r *http.Request) {
		data, ok := readJSONBody(w, r)
		if !ok {
			return
		}
		h.Broadcast(data, hub.NoExclude)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
	})

	mux.HandleFunc("POST /admin/rooms/{room}/message", func(w http.ResponseWriter, r *http.Request) {
		data, ok := readJSONBody(w, r)
		if !ok {
			return
		}
		h.SendToRoom(r.PathValue("room"), data, hub.NoExclude)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
	})

	return mux
}

func readJSONBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return nil, false
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be valid JSON"})
		return nil, false
	}
	return json.RawMessage(body), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
