package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/comalice/energyflow/internal/durability"
)

func newRecoverCmd() *cobra.Command {
	var (
		sessionID string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Inspect a session's recovered state",
		Long:  "Loads the newest snapshot for a session, replays any log entries past its cutoff if the session ended uncleanly, and prints the resulting state.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("data-dir")

			if sessionID == "" {
				latest, err := durability.LatestSession(dir)
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						return fmt.Errorf("no sessions under %s", dir)
					}
					return err
				}
				sessionID = latest
			}

			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			mgr, err := durability.Open(dir, sessionID, durability.DefaultWriterConfig(), log)
			if err != nil {
				return err
			}
			defer mgr.Close()

			state, err := mgr.Recover(cmd.Context(), 256)
			if err != nil {
				return err
			}

			view := state.View()
			out := map[string]any{
				"sessionID":     view.SessionID,
				"phase":         view.Phase,
				"totalEnergy":   view.TotalEnergy,
				"frameCounter":  view.FrameCounter,
				"ledger":        view.Ledger,
				"cleanShutdown": view.Recovery.CleanShutdown,
				"lastSnapshot":  view.Recovery.LastSnapshotID,
				"lastLogEntry":  view.Recovery.LastLogEntryID,
			}
			switch format {
			case "yaml":
				data, err := yaml.Marshal(out)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			default:
				return fmt.Errorf("unknown format %q (json|yaml)", format)
			}
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session to recover (default: most recent)")
	cmd.Flags().StringVar(&format, "format", "json", "output format (json|yaml)")
	return cmd
}
