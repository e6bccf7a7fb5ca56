package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"offline0/internal/queuestore"
)

type queueOptions struct {
	*rootOptions
	JSON bool
}

func newQueueCommand(root *rootOptions) *cobra.Command {
	opts := &queueOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the mutation queue",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued requests in replay order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			q, err := queuestore.OpenSQLite(cfg.Queue.Path)
			if err != nil {
				return err
			}
			defer q.Close()
			recs, err := q.List(cmd.Context())
			if err != nil {
				return err
			}
			return printQueue(cmd.OutOrStdout(), recs, opts.JSON)
		},
	}
	list.Flags().BoolVar(&opts.JSON, "json", false, "print JSON instead of a table")
	cmd.AddCommand(list)
	return cmd
}

type queueEntry struct {
	ID         int64     `json:"id"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Size       int       `json:"size"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func printQueue(w io.Writer, recs []queuestore.Record, asJSON bool) error {
	entries := make([]queueEntry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, queueEntry{ID: r.ID, Method: r.Method, URL: r.URL, Size: len(r.Body), EnqueuedAt: r.EnqueuedAt})
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMETHOD\tURL\tSIZE\tQUEUED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", e.ID, e.Method, e.URL, e.Size, e.EnqueuedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
