package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/gnana997/tokensync/pkg/channel"
	"github.com/gnana997/tokensync/pkg/coordinator"
	"github.com/gnana997/tokensync/pkg/tokens"
)

// withCoordinator opens the cache, runs fn against a short-lived coordinator
// and closes both.
func (a *app) withCoordinator(fn func(*coordinator.Coordinator) error) error {
	tc, err := a.cfg.openCache(a.logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer tc.Close()

	coord, err := coordinator.New(coordinator.Options{Cache: tc, Logger: a.logger})
	if err != nil {
		return err
	}
	defer coord.Close()

	return fn(coord)
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get [type...]",
		Short: "Print cached tokens as JSON (all types when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			types := tokens.ParseTypes(args)
			for _, t := range types {
				if !t.Valid() {
					return fmt.Errorf("unknown token type %q", t)
				}
			}
			if len(types) == 0 {
				types = tokens.AllTypes()
			}

			return a.withCoordinator(func(coord *coordinator.Coordinator) error {
				state, _, err := coord.Lookup(cmd.Context(), types)
				if err != nil {
					return fmt.Errorf("read tokens: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), state)
			})
		},
	}
}

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCoordinator(func(coord *coordinator.Coordinator) error {
				if err := coord.Clear(cmd.Context()); err != nil {
					return fmt.Errorf("clear cache: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
				return nil
			})
		},
	}
}

func newPushCmd(a *app) *cobra.Command {
	var (
		url      string
		maxTries uint
	)

	cmd := &cobra.Command{
		Use:   "push <chunk.tokens.json>",
		Short: "Validate a chunk and send it to a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunk, err := tokens.LoadChunkFile(args[0])
			if err != nil {
				return err
			}
			if url == "" {
				url = updatesURL(a.cfg.ListenAddr)
			}

			sender, err := channel.DialWebSocket(cmd.Context(), url, channel.DialOptions{MaxTries: maxTries})
			if err != nil {
				return err
			}
			defer sender.Close()

			state := chunkState(chunk, time.Now())
			if err := sender.Send(cmd.Context(), channel.NewUpdate(state)); err != nil {
				return fmt.Errorf("send chunk %s: %w", chunk.ID, err)
			}

			a.logger.Debug("chunk pushed", "chunk", chunk.ID, "tokens", state.Len(), "url", url)
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d tokens from %s\n", state.Len(), chunk.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "websocket endpoint (default derived from listen_addr)")
	cmd.Flags().UintVar(&maxTries, "retries", 5, "connection attempts before giving up")
	return cmd
}

// chunkState stamps chunk values the way the coordinator does on ingestion.
func chunkState(chunk *tokens.TokenChunk, now time.Time) tokens.TokenState {
	components := make(map[string]tokens.TokenComponent, len(chunk.Tokens))
	for id, v := range chunk.Tokens {
		components[id] = tokens.TokenComponent{
			ID:        id,
			Type:      v.Type,
			Value:     v,
			Processed: true,
			Timestamp: now,
		}
	}
	return tokens.NewTokenState(components, now)
}

func updatesURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "ws://" + listenAddr + "/updates"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + "/updates"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
