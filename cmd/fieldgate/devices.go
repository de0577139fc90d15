package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fieldgate/cmd/fieldgate/ui"
	"fieldgate/config"
	"fieldgate/internal/gateway"
	"fieldgate/internal/store"
)

func devicesCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List configured devices and their last archived sample",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			var st *store.SnapshotStore
			if cfg.Storage.Enabled {
				if st, err = store.Open(cfg.Storage.Path); err != nil {
					return fmt.Errorf("open snapshot store: %w", err)
				}
				defer st.Close()
			}

			rows := make([][]string, 0, len(cfg.Devices))
			for _, d := range cfg.Devices {
				id := gateway.DeviceID(d.Model, d.SlaveID)
				critical := ""
				if d.Critical {
					critical = ui.Accent("critical")
				}
				state, seen := ui.Muted("-"), ui.Muted("never")
				if st != nil {
					if latest, err := st.LatestByDevice(cmd.Context(), id, 1); err == nil && len(latest) > 0 {
						state = ui.Online(latest[0].IsOnline)
						seen = formatAge(latest[0].SampledAt)
					}
				}
				rows = append(rows, []string{
					id, d.DeviceType, d.Port,
					fmt.Sprintf("%d", len(d.Map.Pins)),
					critical, state, seen,
				})
			}

			fmt.Println(ui.Table(
				[]string{"DEVICE", "TYPE", "PORT", "PINS", "", "STATE", "LAST SAMPLE"},
				rows,
			))
			return nil
		},
	}
}

func formatAge(t time.Time) string {
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	default:
		return fmt.Sprintf("%.1fh ago", age.Hours())
	}
}
