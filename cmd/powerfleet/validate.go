package main

import (
	"fmt"
	"os"

	"github.com/fgeck/powerfleet/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without touching any target.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("configuration validation failed")
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Printf("Targets (%d):\n", len(cfg.Targets))
	for _, t := range cfg.Targets {
		fmt.Printf("  %s (%s)\n", t.ID, t.DisplayName)
		if t.MACAddress != "" {
			fmt.Printf("    MAC: %s\n", t.MACAddress)
		}
		if t.Address != "" {
			fmt.Printf("    Address: %s\n", t.Address)
		}
		if t.BroadcastAddress != "" {
			fmt.Printf("    Broadcast: %s\n", t.BroadcastAddress)
		}
		fmt.Printf("    OS: %s\n", t.OS)
		if t.Credential != nil {
			fmt.Printf("    SSH: %s@%s:%d\n", t.Credential.Username, t.Address, t.SSHPort)
		} else {
			fmt.Printf("    SSH: (no credential)\n")
		}
	}
	fmt.Println()
	fmt.Println("Wake-on-LAN:")
	fmt.Printf("  Port: %d\n", cfg.WOL.Port)
	fmt.Printf("  Packets per destination: %d\n", cfg.WOL.PacketsPerDestination)
	fmt.Printf("  Packet delay: %s\n", cfg.WOL.PacketDelay)
	fmt.Println()
	fmt.Println("Timeouts:")
	fmt.Printf("  SSH dial: %s\n", cfg.SSH.DialTimeout)
	fmt.Printf("  SSH command: %s\n", cfg.SSH.CommandTimeout)
	fmt.Printf("  Probe: %s\n", cfg.Probe.Timeout)
	if cfg.Dispatch.BatchTimeout > 0 {
		fmt.Printf("  Batch: %s\n", cfg.Dispatch.BatchTimeout)
	}
	if cfg.Dispatch.MaxParallel > 0 {
		fmt.Printf("  Max parallel: %d\n", cfg.Dispatch.MaxParallel)
	}
	fmt.Println()
	fmt.Println("Audit log:")
	fmt.Printf("  Path: %s\n", cfg.Audit.Path)
	fmt.Printf("  Retention: %d days, %d rows\n", cfg.Audit.RetentionDays, cfg.Audit.MaxRows)

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	return nil
}
