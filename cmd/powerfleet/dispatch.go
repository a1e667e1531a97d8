package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fgeck/powerfleet/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type actionCommand struct {
	use   string
	short string
	long  string
}

func newDispatchCmd(def actionCommand) *cobra.Command {
	var (
		all         bool
		initiatedBy string
	)

	cmd := &cobra.Command{
		Use:   def.use + " [target-id...]",
		Short: def.short,
		Long:  def.long,
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := models.ParseAction(def.use)
			if err != nil {
				return err
			}
			if !all && len(args) == 0 {
				return fmt.Errorf("name at least one target or use --all")
			}
			if all && len(args) > 0 {
				return fmt.Errorf("--all cannot be combined with target ids")
			}
			return runDispatch(cmd.OutOrStdout(), action, args, all, initiatedBy)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "act on every target in the config")
	cmd.Flags().StringVar(&initiatedBy, "initiated-by", defaultInitiator(), "name recorded in the audit log")

	return cmd
}

func defaultInitiator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return models.DefaultInitiator
}

func runDispatch(out io.Writer, action models.Action, ids []string, all bool, initiatedBy string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	var outcomes []models.Outcome
	if all {
		log.Info().Strs("targets", fleetIDs(a.cfg)).Msg("dispatching to the whole fleet")
		outcomes, err = a.coordinator.DispatchAll(ctx, action, initiatedBy)
	} else {
		outcomes, err = a.coordinator.Dispatch(ctx, action, ids, initiatedBy)
	}
	if err != nil {
		log.Error().Err(err).Msg("dispatch rejected")
		return err
	}

	if err := printOutcomes(out, outcomes); err != nil {
		return err
	}
	return failedCount(outcomes)
}

func printOutcomes(out io.Writer, outcomes []models.Outcome) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(outcomes)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TARGET\tACTION\tRESULT\tLATENCY\tDETAIL")
	for _, o := range outcomes {
		result := "ok"
		if !o.Succeeded {
			result = "FAILED"
		}
		latency := "-"
		if o.LatencyMs != nil {
			latency = strconv.FormatInt(*o.LatencyMs, 10) + "ms"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", o.TargetID, o.Action, result, latency, o.Detail)
	}
	return w.Flush()
}
