package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gnana997/tokensync/pkg/channel"
	"github.com/gnana997/tokensync/pkg/coordinator"
	mcpserver "github.com/gnana997/tokensync/pkg/mcp"
	"github.com/gnana997/tokensync/pkg/mcplog"
	"github.com/gnana997/tokensync/pkg/tokens"
	"github.com/gnana997/tokensync/pkg/watcher"
)

const (
	hubBuffer       = 64
	shutdownTimeout = 5 * time.Second
)

type serveOptions struct {
	mcp        bool
	listenAddr string
	chunksDir  string
	redisAddr  string
}

func newServeCmd(a *app) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator with the websocket hub, chunk watcher and optional MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			if f.Changed("listen") {
				a.cfg.ListenAddr = opts.listenAddr
			}
			if f.Changed("chunks") {
				a.cfg.ChunksDir = opts.chunksDir
			}
			if f.Changed("redis") {
				a.cfg.RedisAddr = opts.redisAddr
			}
			return runServe(cmd.Context(), a.cfg, opts.mcp, a.logger, nil)
		},
	}

	cmd.Flags().BoolVar(&opts.mcp, "mcp", false, "serve MCP tools on stdio")
	cmd.Flags().StringVar(&opts.listenAddr, "listen", "", "websocket listen address")
	cmd.Flags().StringVar(&opts.chunksDir, "chunks", "", "directory of *.tokens.json chunks to load and watch")
	cmd.Flags().StringVar(&opts.redisAddr, "redis", "", "redis address for cross-instance fan-out")
	return cmd
}

// runServe blocks until ctx is cancelled or a job fails. If ready is not nil
// it receives the bound listen address once the hub accepts connections.
func runServe(ctx context.Context, cfg Config, withMCP bool, logger *slog.Logger, ready chan<- string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tc, err := cfg.openCache(logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer tc.Close()

	hub := channel.NewHub(hubBuffer, logger)
	defer hub.Close()

	// With redis, every instance publishes what its producers send and the
	// coordinator reads the shared topic, so all instances converge.
	var rx channel.Receiver = hub
	var fanout *channel.Redis
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()

		fanout, err = channel.NewRedis(ctx, client, cfg.RedisTopic, logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer fanout.Close()
		rx = fanout
	}

	coord, err := coordinator.New(coordinator.Options{
		Cache:        tc,
		Channel:      rx,
		Scheduler:    coordinator.NewFrameScheduler(cfg.flushInterval()),
		SharedBuffer: cfg.SharedBuffer,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	// Seed the virtual state with what a previous run persisted.
	coord.PreloadTokens(ctx, tokens.AllTypes())

	var chunks *watcher.ChunkWatcher
	if cfg.ChunksDir != "" {
		chunks, err = watcher.New(coord, cfg.watchOptions(), logger)
		if err != nil {
			return fmt.Errorf("create chunk watcher: %w", err)
		}
		if err := chunks.LoadDir(cfg.ChunksDir); err != nil {
			logger.Warn("some chunks were skipped", "error", err)
		}
		if err := chunks.Start(cfg.ChunksDir); err != nil {
			return fmt.Errorf("start chunk watcher: %w", err)
		}
		defer chunks.Stop()
	}

	var mcpSrv *mcpserver.Server
	if withMCP {
		callLog, err := mcplog.NewLogger(cfg.MCPLogPath)
		if err != nil {
			return err
		}
		defer callLog.Close()

		mcpserver.Version = version
		mcpSrv = mcpserver.NewServer(coord, callLog)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/updates", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(coord.Stats())
	})
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("websocket hub listening", "addr", listener.Addr().String(), "path", "/updates")
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.Close()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if fanout != nil {
		g.Go(func() error { return forward(gctx, hub, fanout) })
	}

	if chunks != nil {
		g.Go(func() error {
			<-gctx.Done()
			return chunks.Stop()
		})
	}

	if mcpSrv != nil {
		g.Go(func() error {
			// The session ends when the client closes stdin.
			defer cancel()
			return mcpSrv.ServeStdio()
		})
	}

	if ready != nil {
		ready <- listener.Addr().String()
	}

	err = g.Wait()
	logger.Info("tokensync stopped", "stats", coord.Stats())
	return err
}

// forward publishes every hub message on the shared topic.
func forward(ctx context.Context, from channel.Receiver, to channel.Sender) error {
	for {
		msg, err := from.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, channel.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive from hub: %w", err)
		}
		if err := to.Send(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("publish update: %w", err)
		}
	}
}
