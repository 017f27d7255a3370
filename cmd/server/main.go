package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"cookroom/internal/assistant"
	"cookroom/internal/chat"
	"cookroom/internal/config"
	"cookroom/internal/room"
	"cookroom/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & Flags
	addr := pflag.String("addr", "", "http service address (overrides PORT)")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := cfg.Logger(os.Stderr)
	listen := cfg.Addr()
	if *addr != "" {
		listen = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Optional Redis relay for room broadcasts
	var opts []chat.Option
	var sub *chat.Subscription
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Info("✅ connected to redis", "addr", cfg.RedisAddr)
		relay := chat.NewRedisRelay(rdb, log)
		// Subscribe before serving so no room broadcast is published unheard.
		if sub, err = relay.Subscribe(ctx); err != nil {
			return err
		}
		opts = append(opts, chat.WithRelay(relay))
	}

	// 3. Rooms, assistant and the hub that owns them
	advisor := assistant.New(&http.Client{Timeout: cfg.AITimeout}, cfg.AIEndpoint, cfg.APIKey)
	hub := chat.NewHub(room.NewStore(cfg.MaxHistory), room.NewRegistry(), advisor, log, opts...)
	wsHandler := chat.NewHandler(hub, cfg.AllowedOrigins, log)

	router := server.NewRouter(wsHandler.ServeWs, server.Options{
		StaticDir:      cfg.StaticDir,
		AllowedOrigins: cfg.AllowedOrigins,
		Log:            log,
	})
	srv := &http.Server{
		Addr:              listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 4. Run everything until a signal or the first failure
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	if sub != nil {
		g.Go(func() error { return sub.Run(gctx, hub.Deliver) })
	}
	g.Go(func() error {
		log.Info("🚀 server starting", "addr", listen, "static", cfg.StaticDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
