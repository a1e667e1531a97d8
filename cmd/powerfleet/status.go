package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <target-id>",
	Short: "Probe a single target",
	Long:  `Probe one target and print whether it is online. Nothing is written to the audit log.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	result, err := a.coordinator.ProbeOne(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return json.NewEncoder(out).Encode(result)
	}

	switch {
	case !result.IsOnline:
		_, _ = fmt.Fprintf(out, "%s is offline\n", args[0])
	case result.LatencyMs != nil:
		_, _ = fmt.Fprintf(out, "%s is online (%d ms)\n", args[0], *result.LatencyMs)
	default:
		_, _ = fmt.Fprintf(out, "%s is online\n", args[0])
	}
	return nil
}
