// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fgeck/powerfleet/internal/models"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

// Defaults applied when a setting is absent.
const (
	DefaultWOLPort            = 9
	DefaultPacketsPerDest     = 3
	DefaultPacketDelay        = 100 * time.Millisecond
	DefaultSSHPort            = 22
	DefaultDialTimeout        = 10 * time.Second
	DefaultCommandTimeout     = 15 * time.Second
	DefaultProbeTimeout       = 3 * time.Second
	DefaultAuditPath          = "powerfleet.db"
	DefaultAuditRetentionDays = 90
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.FleetConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.FleetConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

// targetEntry mirrors one item of fleet.targets.
type targetEntry struct {
	ID               string `mapstructure:"id"`
	Name             string `mapstructure:"name"`
	MACAddress       string `mapstructure:"mac_address"`
	Address          string `mapstructure:"address"`
	BroadcastAddress string `mapstructure:"broadcast_address"`
	SSHPort          int    `mapstructure:"ssh_port"`
	OS               string `mapstructure:"os"`
	Credential       *struct {
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		KeyPath  string `mapstructure:"key_path"`
	} `mapstructure:"credential"`
}

func (p *Parser) parse() (*models.FleetConfig, error) {
	cfg := &models.FleetConfig{}

	// Parse fleet targets. Secrets stay unexpanded until a command needs them.
	var entries []targetEntry
	if err := p.v.UnmarshalKey("fleet.targets", &entries); err != nil {
		return nil, fmt.Errorf("parsing fleet.targets: %w", err)
	}
	for _, e := range entries {
		t := models.Target{
			ID:               strings.TrimSpace(e.ID),
			DisplayName:      e.Name,
			MACAddress:       e.MACAddress,
			Address:          e.Address,
			BroadcastAddress: e.BroadcastAddress,
			SSHPort:          e.SSHPort,
			OS:               strings.ToLower(e.OS),
		}
		if t.DisplayName == "" {
			t.DisplayName = t.ID
		}
		if t.SSHPort == 0 {
			t.SSHPort = DefaultSSHPort
		}
		if t.OS == "" {
			t.OS = models.OSLinux
		}
		if e.Credential != nil {
			t.Credential = &models.CredentialRef{
				Username: e.Credential.Username,
				Password: e.Credential.Password,
				KeyPath:  e.Credential.KeyPath,
			}
		}
		cfg.Targets = append(cfg.Targets, t)
	}

	// Parse wake schedule.
	cfg.WOL = models.WOLSettings{
		Port:                  p.v.GetInt("wol.port"),
		PacketsPerDestination: p.v.GetInt("wol.packets"),
		PacketDelay:           p.v.GetDuration("wol.packet_delay"),
	}
	if cfg.WOL.Port == 0 {
		cfg.WOL.Port = DefaultWOLPort
	}
	if cfg.WOL.PacketsPerDestination == 0 {
		cfg.WOL.PacketsPerDestination = DefaultPacketsPerDest
	}
	if cfg.WOL.PacketDelay == 0 {
		cfg.WOL.PacketDelay = DefaultPacketDelay
	}

	// Parse SSH bounds.
	cfg.SSH = models.SSHSettings{
		DialTimeout:    p.v.GetDuration("ssh.dial_timeout"),
		CommandTimeout: p.v.GetDuration("ssh.command_timeout"),
	}
	if cfg.SSH.DialTimeout == 0 {
		cfg.SSH.DialTimeout = DefaultDialTimeout
	}
	if cfg.SSH.CommandTimeout == 0 {
		cfg.SSH.CommandTimeout = DefaultCommandTimeout
	}

	// Parse probe settings.
	cfg.Probe = models.ProbeSettings{Timeout: p.v.GetDuration("probe.timeout")}
	if cfg.Probe.Timeout == 0 {
		cfg.Probe.Timeout = DefaultProbeTimeout
	}

	// Parse dispatch settings. Zero means unbounded.
	cfg.Dispatch = models.DispatchSettings{
		MaxParallel:  p.v.GetInt("dispatch.max_parallel"),
		BatchTimeout: p.v.GetDuration("dispatch.batch_timeout"),
	}

	// Parse audit log settings.
	cfg.Audit = models.AuditSettings{
		Path:          p.expandEnv(p.v.GetString("audit.path")),
		RetentionDays: p.v.GetInt("audit.retention_days"),
		MaxRows:       p.v.GetInt("audit.max_rows"),
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = DefaultAuditPath
	}
	if !p.v.IsSet("audit.retention_days") {
		cfg.Audit.RetentionDays = DefaultAuditRetentionDays
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration and reports
// every problem it finds.
func Validate(cfg *models.FleetConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs *multierror.Error

	if len(cfg.Targets) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("fleet.targets is required"))
	}

	seen := make(map[string]struct{}, len(cfg.Targets))
	for i, t := range cfg.Targets {
		if err := validateTarget(t); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("fleet.targets[%d]: %w", i, err))
		}
		if t.ID == "" {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			errs = multierror.Append(errs, fmt.Errorf("fleet.targets[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = struct{}{}
	}

	if cfg.WOL.Port < 0 || cfg.WOL.Port > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("wol.port must be between 1 and 65535"))
	}
	if cfg.WOL.PacketsPerDestination < 0 {
		errs = multierror.Append(errs, fmt.Errorf("wol.packets must not be negative"))
	}
	if cfg.Dispatch.MaxParallel < 0 {
		errs = multierror.Append(errs, fmt.Errorf("dispatch.max_parallel must not be negative"))
	}
	if cfg.Dispatch.BatchTimeout < 0 {
		errs = multierror.Append(errs, fmt.Errorf("dispatch.batch_timeout must not be negative"))
	}
	if cfg.Audit.RetentionDays < 0 || cfg.Audit.MaxRows < 0 {
		errs = multierror.Append(errs, fmt.Errorf("audit.retention_days and audit.max_rows must not be negative"))
	}

	if cfg.Telegram != nil {
		if cfg.Telegram.BotToken == "" {
			errs = multierror.Append(errs, fmt.Errorf("telegram.bot_token is required when telegram is configured"))
		}
		if cfg.Telegram.ChatID == "" {
			errs = multierror.Append(errs, fmt.Errorf("telegram.chat_id is required when telegram is configured"))
		}
	}

	return errs.ErrorOrNil()
}

func validateTarget(t models.Target) error {
	var errs *multierror.Error

	if t.ID == "" {
		errs = multierror.Append(errs, fmt.Errorf("id is required"))
	}
	if t.MACAddress != "" {
		if _, err := net.ParseMAC(t.MACAddress); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("mac_address %q is invalid", t.MACAddress))
		}
	}
	if t.Address != "" && net.ParseIP(t.Address) == nil {
		errs = multierror.Append(errs, fmt.Errorf("address %q is not an IP address", t.Address))
	}
	if t.BroadcastAddress != "" && net.ParseIP(t.BroadcastAddress) == nil {
		errs = multierror.Append(errs, fmt.Errorf("broadcast_address %q is not an IP address", t.BroadcastAddress))
	}
	if t.MACAddress == "" && t.Address == "" {
		errs = multierror.Append(errs, fmt.Errorf("mac_address or address is required"))
	}
	if t.OS != "" && t.OS != models.OSLinux && t.OS != models.OSWindows {
		errs = multierror.Append(errs, fmt.Errorf("os must be one of: linux, windows"))
	}
	if t.SSHPort < 0 || t.SSHPort > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("ssh_port must be between 1 and 65535"))
	}
	if t.Credential != nil {
		if t.Credential.Username == "" {
			errs = multierror.Append(errs, fmt.Errorf("credential.username is required when credential is configured"))
		}
		if t.Credential.Password == "" && t.Credential.KeyPath == "" {
			errs = multierror.Append(errs, fmt.Errorf("credential needs a password or key_path"))
		}
	}

	if errs == nil {
		return nil
	}
	errs.ErrorFormat = inlineFormat
	return errs
}

func inlineFormat(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
