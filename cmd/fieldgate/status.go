package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"fieldgate/cmd/fieldgate/ui"
	"fieldgate/config"
	"fieldgate/internal/sender"
	"fieldgate/internal/store"
)

func statusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway configuration and archive status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			pairs := []ui.Pair{
				ui.KV("Gateway ID", sender.ResolveGatewayID(cfg.Sender.GatewayID)),
				ui.KV("Cloud URL", cfg.Sender.URL),
				ui.KV("Serial ports", fmt.Sprintf("%d", len(cfg.Ports))),
				ui.KV("Devices", fmt.Sprintf("%d", len(cfg.Devices))),
				ui.KV("Virtual devices", fmt.Sprintf("%d", len(cfg.VirtualDevices))),
				ui.KV("Send interval", fmt.Sprintf("%ds", cfg.Sender.SendIntervalSec)),
			}

			if cfg.Storage.Enabled {
				st, err := store.Open(cfg.Storage.Path)
				if err != nil {
					return fmt.Errorf("open snapshot store: %w", err)
				}
				defer st.Close()
				stats, err := st.Stats(cmd.Context())
				if err != nil {
					return err
				}
				pairs = append(pairs,
					ui.KV("Archived snapshots", fmt.Sprintf("%d", stats.TotalCount)),
					ui.KV("Archive size", fmt.Sprintf("%.1f MB", float64(stats.FileSizeBytes)/(1<<20))),
					ui.KV("Oldest snapshot", formatTS(stats.EarliestTS)),
					ui.KV("Newest snapshot", formatTS(stats.LatestTS)),
				)
			} else {
				pairs = append(pairs, ui.KV("Archive", ui.Muted("disabled")))
			}

			pairs = append(pairs, outboxPairs(cfg)...)

			fmt.Println(ui.KeyValues("  ", pairs...))
			return nil
		},
	}
}

func outboxPairs(cfg *config.Config) []ui.Pair {
	dir := cfg.Sender.OutboxDir
	if dir == "" {
		dir = filepath.Join(cfg.StateDir, "outbox")
	}
	outbox, err := sender.NewOutbox(dir)
	if err != nil {
		return []ui.Pair{ui.KV("Outbox", ui.WarnMsg("unavailable: %v", err))}
	}
	entries, err := outbox.List()
	if err != nil {
		return []ui.Pair{ui.KV("Outbox", ui.WarnMsg("unavailable: %v", err))}
	}

	pending, failed := 0, 0
	var bytes int64
	for _, e := range entries {
		if e.Failed {
			failed++
			continue
		}
		pending++
		bytes += e.Size
	}
	pairs := []ui.Pair{
		ui.KV("Outbox pending", fmt.Sprintf("%d (%.1f MB)", pending, float64(bytes)/(1<<20))),
	}
	if failed > 0 {
		pairs = append(pairs, ui.KV("Outbox failed", ui.WarnMsg("%d terminal files", failed)))
	}
	return pairs
}

func formatTS(t time.Time) string {
	if t.IsZero() {
		return ui.Muted("none")
	}
	return t.Local().Format(time.RFC3339)
}
