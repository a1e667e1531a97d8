// Package wol provides Wake-on-LAN operations.
package wol

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/fgeck/powerfleet/internal/models"
	"github.com/hashicorp/go-multierror"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// LimitedBroadcast is the all-ones IPv4 broadcast address.
const LimitedBroadcast = "255.255.255.255"

// Defaults for the packet schedule.
const (
	DefaultPort                  = 9
	DefaultPacketsPerDestination = 3
	DefaultPacketDelay           = 100 * time.Millisecond
)

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, mac net.HardwareAddr, destinations []string) *models.WakeResult
}

// Client wraps the wol library for mocking.
type Client interface {
	Wake(addr string, mac net.HardwareAddr) error
}

// DefaultClient is the default implementation using mdlayher/wol.
type DefaultClient struct{}

// Wake sends a single magic packet for mac to addr (host:port).
func (c *DefaultClient) Wake(addr string, mac net.HardwareAddr) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid destination %q: %w", addr, err)
	}
	if net.ParseIP(host) == nil {
		return fmt.Errorf("invalid destination IP: %s", host)
	}

	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(addr, mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}

	return nil
}

// Impl implements the WOL Service interface.
type Impl struct {
	wolClient Client
	logger    zerolog.Logger
	port      int
	packets   int
	delay     time.Duration
}

// New creates a new WOL service.
func New(logger zerolog.Logger, settings models.WOLSettings) *Impl {
	return NewWithClient(logger, &DefaultClient{}, settings)
}

// NewWithClient creates a new WOL service with a custom client (for testing).
// Zero values in settings fall back to the defaults.
func NewWithClient(logger zerolog.Logger, wolClient Client, settings models.WOLSettings) *Impl {
	s := &Impl{
		wolClient: wolClient,
		logger:    logger,
		port:      settings.Port,
		packets:   settings.PacketsPerDestination,
		delay:     settings.PacketDelay,
	}
	if s.port == 0 {
		s.port = DefaultPort
	}
	if s.packets <= 0 {
		s.packets = DefaultPacketsPerDestination
	}
	if s.delay <= 0 {
		s.delay = DefaultPacketDelay
	}
	return s
}

// Destinations returns the wake destinations for a target: its subnet
// broadcast, the limited broadcast and its primary address. Empty entries
// are dropped, duplicates are kept.
func Destinations(target models.Target) []string {
	candidates := []string{target.BroadcastAddress, LimitedBroadcast, target.Address}
	dests := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != "" {
			dests = append(dests, c)
		}
	}
	return dests
}

// Wake sends the packet schedule to every destination. Individual send
// errors are recorded per slot and never returned; the result carries
// ErrBroadcastFailure only when nothing was delivered.
func (s *Impl) Wake(ctx context.Context, mac net.HardwareAddr, destinations []string) *models.WakeResult {
	result := &models.WakeResult{
		Slots: make([]models.WakeAttempt, 0, len(destinations)*s.packets),
	}
	var attemptErrs *multierror.Error

	s.logger.Info().
		Str("mac", mac.String()).
		Strs("destinations", destinations).
		Int("packets", s.packets).
		Msg("sending WOL packets")

schedule:
	for _, dest := range destinations {
		addr := net.JoinHostPort(dest, strconv.Itoa(s.port))
		for seq := 0; seq < s.packets; seq++ {
			if seq > 0 && !s.pause(ctx) {
				break schedule
			}
			if ctx.Err() != nil {
				break schedule
			}

			err := s.wolClient.Wake(addr, mac)
			result.Attempts++
			result.Slots = append(result.Slots, models.WakeAttempt{
				Destination: dest,
				Sequence:    seq,
				Error:       err,
			})
			if err != nil {
				attemptErrs = multierror.Append(attemptErrs, fmt.Errorf("%s #%d: %w", addr, seq, err))
				continue
			}
			result.Successes++
		}
	}

	if result.Successes > 0 {
		s.logger.Info().
			Int("attempts", result.Attempts).
			Int("successes", result.Successes).
			Msg("WOL packets sent")
		return result
	}

	if result.Attempts == 0 && ctx.Err() != nil {
		result.Error = fmt.Errorf("%w: %w", models.ErrTimeout, ctx.Err())
	} else {
		result.Error = models.ErrBroadcastFailure
	}

	s.logger.Warn().
		Err(attemptErrs.ErrorOrNil()).
		Int("attempts", result.Attempts).
		Msg("all WOL attempts failed")

	return result
}

// pause waits out the inter-packet delay. It returns false if ctx ended first.
func (s *Impl) pause(ctx context.Context) bool {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
