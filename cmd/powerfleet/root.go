package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "powerfleet",
	Short: "Power orchestration for a fleet of machines",
	Long: `powerfleet manages the power state of networked machines:
  - Wake-on-LAN broadcasts to wake targets
  - Forced shutdown and restart over SSH
  - Liveness probes via ping
  - A durable audit trail of every action
  - Telegram batch summaries

Every command acts on targets from the config file and reports one
outcome per requested target.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs and results in JSON format")

	rootCmd.AddCommand(newDispatchCmd(actionCommand{
		use:   "wake",
		short: "Wake targets with Wake-on-LAN",
		long: `Send magic packets to the subnet broadcast, the limited broadcast and the
primary address of every target. A target counts as woken once a single
packet left the host.`,
	}))
	rootCmd.AddCommand(newDispatchCmd(actionCommand{
		use:   "shutdown",
		short: "Shut targets down over SSH",
		long:  `Issue a forced, immediate shutdown on every target over SSH.`,
	}))
	rootCmd.AddCommand(newDispatchCmd(actionCommand{
		use:   "restart",
		short: "Restart targets over SSH",
		long:  `Issue a forced, immediate restart on every target over SSH.`,
	}))
	rootCmd.AddCommand(newDispatchCmd(actionCommand{
		use:   "probe",
		short: "Check whether targets answer ping",
		long:  `Send one echo request to every target and record whether it answered.`,
	}))
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	// Logs go to stderr so results on stdout stay machine readable.
	if jsonOutput {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
