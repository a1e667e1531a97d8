package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/fgeck/powerfleet/internal/models"
	"github.com/fgeck/powerfleet/internal/services/auditlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyTarget string
	historyBatch  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the audit log",
	Long:  `Show recorded power actions, newest first.`,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "maximum number of events")
	historyCmd.Flags().StringVar(&historyTarget, "target", "", "only events of this target")
	historyCmd.Flags().StringVar(&historyBatch, "batch", "", "only events of this batch")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := auditlog.Open(ctx, log.Logger, cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var events []models.AuditEvent
	switch {
	case historyBatch != "":
		events, err = store.ListByBatch(ctx, historyBatch)
	case historyTarget != "":
		events, err = store.ListByTarget(ctx, historyTarget, historyLimit)
	default:
		events, err = store.ListRecent(ctx, historyLimit)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tTARGET\tACTION\tSTATUS\tBY\tLATENCY\tDETAIL")
	for _, e := range events {
		latency := "-"
		if e.ResponseTimeMs != nil {
			latency = strconv.FormatInt(*e.ResponseTimeMs, 10) + "ms"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.TargetID, e.Action, e.Status, e.InitiatedBy, latency, e.Detail)
	}
	return w.Flush()
}
