package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"offline0/internal/notify"
	"offline0/internal/queuestore"
	"offline0/internal/replay"
)

// newSyncCommand replays the queue once without starting the server. Useful
// after a long outage or from cron.
func newSyncCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued requests against the origin once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			q, err := queuestore.OpenSQLite(cfg.Queue.Path)
			if err != nil {
				return err
			}
			defer q.Close()

			deliverer, err := notify.NewDeliverer(notify.LogSurface{}, notify.NewViewRegistry(), nil, notify.Options{
				Origin: cfg.Server.Origin,
				Icon:   cfg.Notifications.Icon,
				Badge:  cfg.Notifications.Badge,
			})
			if err != nil {
				return err
			}
			engine := replay.New(replay.Deps{
				Queue:     q,
				Net:       originClient(cfg),
				Announcer: deliverer,
				Tag:       cfg.Sync.Tag,
			})
			pass, err := engine.Replay(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pass)
			if len(pass.Pending) > 0 {
				return fmt.Errorf("%d request(s) still queued", len(pass.Pending))
			}
			return nil
		},
	}
}
