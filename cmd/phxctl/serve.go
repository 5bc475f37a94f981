package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	phxredux "github.com/trixtateam/phoenix-to-redux"
	"github.com/trixtateam/phoenix-to-redux/internal/devserver"
	"github.com/trixtateam/phoenix-to-redux/storage"
)

const shutdownTimeout = 5 * time.Second

// serve runs the development channel server until ctx is done.
func serve(ctx context.Context, cfg *phxredux.Config, logger zerolog.Logger) error {
	opts := devserver.DefaultOptions()
	opts.Topics = cfg.Server.Topics
	opts.Logger = logger
	if cfg.Server.Token != "" {
		opts.Authorize = devserver.TokenAuthorizer(cfg.Server.Token)
	}

	switch cfg.Server.PubSub {
	case phxredux.PubSubLocal, "":
	case phxredux.PubSubRedis:
		redisCfg := cfg.Storage.Redis
		if redisCfg == nil {
			redisCfg = storage.DefaultRedisConfig()
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		})
		defer rdb.Close()

		ps, err := devserver.NewRedisPubSub(ctx, rdb, logger)
		if err != nil {
			return err
		}
		defer ps.Close()
		opts.PubSub = ps
	default:
		return fmt.Errorf("unknown pubsub %q", cfg.Server.PubSub)
	}

	server, err := devserver.New(ctx, opts)
	if err != nil {
		return err
	}
	defer server.Close()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("path", opts.Path).
			Str("pubsub", cfg.Server.PubSub).
			Str("node", server.NodeID()).
			Msg("serving phoenix channels")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := server.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close channel server")
	}
	return httpServer.Shutdown(shutdownCtx)
}
