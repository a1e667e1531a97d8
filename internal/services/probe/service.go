// Package probe checks whether fleet machines answer ICMP echo requests.
package probe

import (
	"context"
	"math"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/powerfleet/internal/models"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 3 * time.Second

// exitSlack lets the ping tool report its own timeout before the context kills it.
const exitSlack = 500 * time.Millisecond

// Service defines the interface for liveness probes.
type Service interface {
	Probe(ctx context.Context, address string, timeout time.Duration) *models.ProbeResult
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Output runs the command and returns its combined output.
func (e *DefaultExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = exitSlack
	return cmd.CombinedOutput()
}

// Impl implements the probe Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	goos     string
}

// New creates a new probe service.
func New(logger zerolog.Logger) *Impl {
	return NewWithExecutor(logger, &DefaultExecutor{}, runtime.GOOS)
}

// NewWithExecutor creates a new probe service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor, goos string) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
		goos:     goos,
	}
}

// Probe sends one echo request and waits at most timeout for the answer.
// Every failure mode degrades to offline; Error only records why.
func (s *Impl) Probe(ctx context.Context, address string, timeout time.Duration) *models.ProbeResult {
	result := &models.ProbeResult{}

	if address == "" {
		result.Error = models.ErrMissingAddress
		return result
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+exitSlack)
	defer cancel()

	args := pingArgs(s.goos, address, timeout)
	s.logger.Debug().
		Str("address", address).
		Strs("args", args).
		Msg("probing target")

	output, err := s.executor.Output(ctx, "ping", args...)
	result.Output = string(output)

	// Parse even on error: some ping builds exit non-zero on partial loss.
	online, latency := ParseOutput(result.Output)
	if !online {
		if err == nil {
			err = models.ErrUnreachable
		}
		if ctx.Err() != nil {
			err = models.ErrTimeout
		}
		result.Error = err
		s.logger.Debug().Err(err).Str("address", address).Msg("target offline")
		return result
	}

	result.IsOnline = true
	result.LatencyMs = latency

	event := s.logger.Debug().Str("address", address)
	if latency != nil {
		event = event.Int64("latency_ms", *latency)
	}
	event.Msg("target online")

	return result
}

// pingArgs builds a single-echo invocation for the host platform.
func pingArgs(goos, address string, timeout time.Duration) []string {
	ms := timeout.Milliseconds()
	switch goos {
	case "windows":
		return []string{"-n", "1", "-w", strconv.FormatInt(ms, 10), address}
	case "darwin", "freebsd", "netbsd", "openbsd":
		// -W is in milliseconds on the BSDs; -t bounds the whole run in seconds.
		return []string{"-c", "1", "-W", strconv.FormatInt(ms, 10), "-t", strconv.Itoa(ceilSeconds(timeout)), address}
	default:
		return []string{"-c", "1", "-W", strconv.Itoa(ceilSeconds(timeout)), address}
	}
}

func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

var (
	// Echo replies carry a TTL on every platform, error replies never do.
	replyPattern   = regexp.MustCompile(`(?i)\bttl[=:]\s*\d+`)
	latencyPattern = regexp.MustCompile(`(?i)\btime\s*([=<])\s*([\d.,]+)\s*ms`)
)

// ParseOutput extracts the online verdict and latency from ping output.
// A line only counts as a reply if it carries a TTL, which filters out
// "Reply from ...: Destination host unreachable" style answers.
func ParseOutput(output string) (bool, *int64) {
	for _, line := range strings.Split(output, "\n") {
		if !replyPattern.MatchString(line) {
			continue
		}
		return true, parseLatency(line)
	}
	return false, nil
}

func parseLatency(line string) *int64 {
	m := latencyPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", "."), 64)
	if err != nil {
		return nil
	}
	ms := int64(math.Round(v))
	if m[1] == "<" {
		// "time<1ms" is an upper bound.
		ms = int64(math.Ceil(v))
	}
	return &ms
}
