package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/Tender/internal/discovery"
	"github.com/CZERTAINLY/Tender/internal/log"
	"github.com/CZERTAINLY/Tender/internal/model"
	"github.com/CZERTAINLY/Tender/internal/pairing"

	"github.com/spf13/cobra"
)

var (
	flagTicks        int
	flagHistory      bool
	flagReplyTimeout time.Duration
	flagNode         string
	flagPassword     string
	flagCmd          []string
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "pair waits for a server announcement and remembers the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := log.ContextAttrs(cmd.Context(), slog.Group("tender",
			slog.String("cmd", "pair"),
			slog.Int("pid", os.Getpid()),
		))
		if flagHistory {
			return printHistory(cmd)
		}

		var indicator discovery.Indicator = discovery.LogIndicator{}
		if led := model.Get(config.Discovery.LED); led != "" {
			indicator = discovery.NewLEDIndicator(led)
		}
		server, err := discovery.Listen(ctx, discovery.ListenOptions{
			Port:      config.Discovery.Port,
			Ticks:     flagTicks,
			Node:      config.Node,
			Indicator: indicator,
		})
		if errors.Is(err, discovery.ErrStopped) {
			return nil
		}
		if err != nil {
			return err
		}

		db, err := pairing.Open(ctx, pairingDBPath())
		if err != nil {
			return fmt.Errorf("opening pairing database: %w", err)
		}
		defer func() {
			_ = db.Close()
		}()
		if err := db.Save(ctx, server); err != nil {
			return fmt.Errorf("saving pairing: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), server)
		return nil
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast [SERVER]",
	Short: "broadcast announces SERVER, or sends --cmd to a waiting node, and prints the replies",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(flagCmd) > 0 {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout := flagReplyTimeout
		if timeout == 0 {
			var err error
			timeout, err = config.Discovery.ReplyTimeout()
			if err != nil {
				return err
			}
		}
		payload, err := broadcastPayload(args)
		if err != nil {
			return err
		}
		replies, err := discovery.Broadcast(cmd.Context(), payload, discovery.BroadcastOptions{
			Address: config.Discovery.BroadcastAddress,
			Port:    config.Discovery.Port,
			Timeout: timeout,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(replies)
	},
}

// broadcastPayload is a server announcement, or a command for --node when
// --cmd is given. Node credentials default to the configured ones.
func broadcastPayload(args []string) (map[string]any, error) {
	if len(flagCmd) == 0 {
		return discovery.ServerPayload(args[0]), nil
	}
	node := model.Node{ID: flagNode, Password: flagPassword}
	if node.ID == "" {
		node.ID = config.Node.ID
	}
	if node.Password == "" {
		node.Password = config.Node.Password
	}
	if node.ID == "" {
		return nil, errors.New("--cmd needs --node or node.id in the config")
	}
	return discovery.CommandPayload(node, flagCmd), nil
}

func printHistory(cmd *cobra.Command) error {
	db, err := pairing.Open(cmd.Context(), pairingDBPath())
	if err != nil {
		return fmt.Errorf("opening pairing database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()
	records, err := db.History(cmd.Context())
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.PairedAt.Format(time.RFC3339), r.Server)
	}
	return nil
}
