// Package coordinator fans power actions out across the fleet and accounts
// for every target in the batch.
package coordinator

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fgeck/powerfleet/internal/models"
	"github.com/fgeck/powerfleet/internal/services/probe"
	"github.com/fgeck/powerfleet/internal/services/ssh"
	"github.com/fgeck/powerfleet/internal/services/telegram"
	"github.com/fgeck/powerfleet/internal/services/wol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Bounds for the side effects of a batch.
const (
	auditTimeout  = 5 * time.Second
	notifyTimeout = 30 * time.Second
)

// Service defines the interface for fleet power actions.
type Service interface {
	Dispatch(ctx context.Context, action models.Action, targetIDs []string, initiatedBy string) ([]models.Outcome, error)
	DispatchAll(ctx context.Context, action models.Action, initiatedBy string) ([]models.Outcome, error)
	ProbeOne(ctx context.Context, targetID string) (*models.ProbeResult, error)
}

// Registry looks up target descriptors.
type Registry interface {
	GetByIDs(ctx context.Context, ids []string) (found []models.Target, missing []string, err error)
	ListAll(ctx context.Context) ([]models.Target, error)
}

// LivenessRecorder is implemented by registries that keep the last
// observed liveness of a target.
type LivenessRecorder interface {
	RecordLiveness(ctx context.Context, id string, active bool) error
}

// CredentialProvider resolves the secret material of a target.
type CredentialProvider interface {
	Resolve(ctx context.Context, target models.Target) (models.Credential, error)
}

// EventLog receives one audit event per outcome.
type EventLog interface {
	Append(ctx context.Context, event models.AuditEvent) error
}

// Settings tunes a coordinator.
type Settings struct {
	Dispatch     models.DispatchSettings
	ProbeTimeout time.Duration
	Telegram     *models.TelegramConfig // nil disables batch summaries
}

// Impl implements the coordinator Service interface.
type Impl struct {
	registry    Registry
	credentials CredentialProvider
	events      EventLog
	wolSvc      wol.Service
	sshSvc      ssh.Service
	probeSvc    probe.Service
	telegramSvc telegram.Service
	logger      zerolog.Logger
	settings    Settings
	newBatchID  func() string
}

// New creates a coordinator for cfg using the default per-target services.
func New(logger zerolog.Logger, cfg *models.FleetConfig, registry Registry, credentials CredentialProvider, events EventLog) *Impl {
	return NewWithServices(
		logger,
		registry,
		credentials,
		events,
		wol.New(logger, cfg.WOL),
		ssh.New(logger, cfg.SSH),
		probe.New(logger),
		telegram.New(logger),
		Settings{
			Dispatch:     cfg.Dispatch,
			ProbeTimeout: cfg.Probe.Timeout,
			Telegram:     cfg.Telegram,
		},
	)
}

// NewWithServices creates a coordinator with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	registry Registry,
	credentials CredentialProvider,
	events EventLog,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	probeSvc probe.Service,
	telegramSvc telegram.Service,
	settings Settings,
) *Impl {
	if settings.ProbeTimeout <= 0 {
		settings.ProbeTimeout = probe.DefaultTimeout
	}
	return &Impl{
		registry:    registry,
		credentials: credentials,
		events:      events,
		wolSvc:      wolSvc,
		sshSvc:      sshSvc,
		probeSvc:    probeSvc,
		telegramSvc: telegramSvc,
		logger:      logger,
		settings:    settings,
		newBatchID:  uuid.NewString,
	}
}

// Slot states. Settled and timedOut are terminal and exclusive.
const (
	statePending int32 = iota
	stateDispatched
	stateSettled
	stateTimedOut
)

// slot tracks one position of the input list.
type slot struct {
	id     string
	target *models.Target // nil when the id could not be resolved
	cause  error          // why target is nil
	state  atomic.Int32
}

type settledOutcome struct {
	index   int
	outcome models.Outcome
}

// Dispatch runs action against every id concurrently and returns one
// outcome per entry of targetIDs, duplicates included, in input order.
// Only an invalid action or an empty id is returned as an error; every
// per-target failure becomes a failed outcome.
func (s *Impl) Dispatch(ctx context.Context, action models.Action, targetIDs []string, initiatedBy string) ([]models.Outcome, error) {
	if err := validate(action, targetIDs); err != nil {
		return nil, err
	}
	if len(targetIDs) == 0 {
		return []models.Outcome{}, nil
	}

	slots := make([]*slot, len(targetIDs))
	found, missing, err := s.registry.GetByIDs(ctx, targetIDs)
	if err != nil {
		s.logger.Error().Err(err).Msg("registry lookup failed")
		for i, id := range targetIDs {
			slots[i] = &slot{id: id, cause: fmt.Errorf("registry lookup failed: %w", err)}
		}
		return s.run(ctx, action, slots, initiatedBy), nil
	}

	byID := make(map[string]models.Target, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}
	unknown := make(map[string]struct{}, len(missing))
	for _, id := range missing {
		unknown[id] = struct{}{}
	}

	for i, id := range targetIDs {
		sl := &slot{id: id}
		if t, ok := byID[id]; ok {
			if _, alsoMissing := unknown[id]; !alsoMissing {
				target := t
				sl.target = &target
			}
		}
		if sl.target == nil {
			sl.cause = fmt.Errorf("%w: %s", models.ErrUnknownTarget, id)
		}
		slots[i] = sl
	}

	return s.run(ctx, action, slots, initiatedBy), nil
}

// DispatchAll runs action against every registered target.
func (s *Impl) DispatchAll(ctx context.Context, action models.Action, initiatedBy string) ([]models.Outcome, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}

	targets, err := s.registry.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing fleet: %w", err)
	}
	if len(targets) == 0 {
		return []models.Outcome{}, nil
	}

	slots := make([]*slot, len(targets))
	for i := range targets {
		slots[i] = &slot{id: targets[i].ID, target: &targets[i]}
	}
	return s.run(ctx, action, slots, initiatedBy), nil
}

// ProbeOne probes a single target and reports its liveness. It does not
// write an audit event.
func (s *Impl) ProbeOne(ctx context.Context, targetID string) (*models.ProbeResult, error) {
	if strings.TrimSpace(targetID) == "" {
		return nil, fmt.Errorf("%w: empty id", models.ErrInvalidTarget)
	}

	found, _, err := s.registry.GetByIDs(ctx, []string{targetID})
	if err != nil {
		return nil, fmt.Errorf("registry lookup failed: %w", err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTarget, targetID)
	}

	result := s.probeSvc.Probe(ctx, found[0].Address, s.settings.ProbeTimeout)
	s.recordLiveness(ctx, targetID, result.IsOnline)
	return result, nil
}

func validate(action models.Action, targetIDs []string) error {
	if err := action.Validate(); err != nil {
		return err
	}
	for i, id := range targetIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty id at position %d", models.ErrInvalidTarget, i)
		}
	}
	return nil
}

// run executes the batch and joins every slot. Slots still running when
// ctx or the batch timeout expires are reported as timed out and their
// late results are dropped.
//
//nolint:gocognit // fan-out, join and timeout sweep share the slot state
func (s *Impl) run(ctx context.Context, action models.Action, slots []*slot, initiatedBy string) []models.Outcome {
	batchID := s.newBatchID()
	startTime := time.Now()
	if initiatedBy == "" {
		initiatedBy = models.DefaultInitiator
	}

	log := s.logger.With().
		Str("batch_id", batchID).
		Str("action", string(action)).
		Logger()
	log.Info().
		Int("targets", len(slots)).
		Str("initiated_by", initiatedBy).
		Msg("dispatching batch")

	var (
		batchCtx context.Context
		cancel   context.CancelFunc
	)
	if s.settings.Dispatch.BatchTimeout > 0 {
		batchCtx, cancel = context.WithTimeout(ctx, s.settings.Dispatch.BatchTimeout)
	} else {
		batchCtx, cancel = context.WithCancel(ctx)
	}
	// Stragglers are cancelled once the batch has been joined.
	defer cancel()

	// Side effects outlive the batch deadline.
	sideCtx := context.WithoutCancel(ctx)

	outcomes := make([]models.Outcome, len(slots))
	results := make(chan settledOutcome, len(slots))
	remaining := 0

	for i, sl := range slots {
		if sl.target != nil {
			remaining++
			continue
		}
		sl.state.Store(stateSettled)
		outcomes[i] = s.failed(batchID, sl.id, action, sl.cause, 0)
		s.audit(sideCtx, outcomes[i], initiatedBy)
	}

	go s.spawn(batchCtx, sideCtx, batchID, action, initiatedBy, slots, results)

	for remaining > 0 {
		select {
		case r := <-results:
			outcomes[r.index] = r.outcome
			remaining--
		case <-batchCtx.Done():
			elapsed := time.Since(startTime)
			for i, sl := range slots {
				if sl.state.CompareAndSwap(statePending, stateTimedOut) ||
					sl.state.CompareAndSwap(stateDispatched, stateTimedOut) {
					outcomes[i] = s.timedOut(batchID, sl.id, action, elapsed)
					s.audit(sideCtx, outcomes[i], initiatedBy)
					remaining--
				}
			}
			// Units that settled before the sweep are still delivering.
			for ; remaining > 0; remaining-- {
				r := <-results
				outcomes[r.index] = r.outcome
			}
		}
	}

	succeeded := 0
	for _, o := range outcomes {
		if o.Succeeded {
			succeeded++
		}
	}
	log.Info().
		Int("succeeded", succeeded).
		Int("failed", len(outcomes)-succeeded).
		Dur("duration", time.Since(startTime)).
		Msg("batch completed")

	if s.settings.Telegram != nil {
		s.sendNotification(sideCtx, models.TelegramMessage{
			BatchID:     batchID,
			Action:      action,
			InitiatedBy: initiatedBy,
			StartTime:   startTime,
			Duration:    time.Since(startTime),
			Outcomes:    outcomes,
		})
	}

	return outcomes
}

// spawn starts one unit per resolved slot, honouring the parallelism cap.
// A unit audits its own outcome before handing it to the collector.
func (s *Impl) spawn(ctx, sideCtx context.Context, batchID string, action models.Action, initiatedBy string, slots []*slot, results chan<- settledOutcome) {
	var g errgroup.Group
	if s.settings.Dispatch.MaxParallel > 0 {
		g.SetLimit(s.settings.Dispatch.MaxParallel)
	}

	for i, sl := range slots {
		if ctx.Err() != nil {
			break
		}
		if !sl.state.CompareAndSwap(statePending, stateDispatched) {
			continue
		}

		g.Go(func() error {
			// The sweep may have reported the slot while it waited for capacity.
			if ctx.Err() != nil || sl.state.Load() != stateDispatched {
				return nil
			}
			outcome := s.guard(ctx, batchID, action, sl)
			if ctx.Err() != nil {
				// Left for the timeout sweep.
				return nil
			}
			if sl.state.CompareAndSwap(stateDispatched, stateSettled) {
				s.audit(sideCtx, outcome, initiatedBy)
				results <- settledOutcome{index: i, outcome: outcome}
			}
			// Units never fail the group.
			return nil
		})
	}

	_ = g.Wait()
}

// guard runs one unit and converts a panic into a failed outcome.
func (s *Impl) guard(ctx context.Context, batchID string, action models.Action, sl *slot) (outcome models.Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("target", sl.id).
				Interface("panic", r).
				Msg("per-target operation panicked")
			outcome = s.failed(batchID, sl.id, action, fmt.Errorf("%v", r), time.Since(start))
		}
	}()
	return s.execute(ctx, batchID, action, *sl.target)
}

func (s *Impl) execute(ctx context.Context, batchID string, action models.Action, target models.Target) models.Outcome {
	start := time.Now()
	outcome := models.Outcome{
		BatchID:  batchID,
		TargetID: target.ID,
		Action:   action,
	}

	switch action {
	case models.ActionWake:
		s.wake(ctx, target, &outcome)
	case models.ActionShutdown, models.ActionRestart:
		s.powerCommand(ctx, target, action, &outcome)
	case models.ActionProbe:
		s.probe(ctx, target, &outcome)
	}

	outcome.Duration = time.Since(start)
	if outcome.Err != nil {
		outcome.Detail = outcome.Err.Error()
	}

	event := s.logger.Debug()
	if !outcome.Succeeded {
		event = s.logger.Warn().Err(outcome.Err)
	}
	event.
		Str("batch_id", batchID).
		Str("target", target.ID).
		Str("action", string(action)).
		Bool("succeeded", outcome.Succeeded).
		Msg("target settled")

	return outcome
}

func (s *Impl) wake(ctx context.Context, target models.Target, outcome *models.Outcome) {
	if target.MACAddress == "" {
		outcome.Err = fmt.Errorf("%w: no MAC address configured", models.ErrInvalidMAC)
		return
	}
	mac, err := net.ParseMAC(target.MACAddress)
	if err != nil {
		outcome.Err = fmt.Errorf("%w: %w", models.ErrInvalidMAC, err)
		return
	}

	result := s.wolSvc.Wake(ctx, mac, wol.Destinations(target))
	if !result.Succeeded() {
		outcome.Err = result.Error
		if outcome.Err == nil {
			outcome.Err = models.ErrBroadcastFailure
		}
		return
	}

	outcome.Succeeded = true
	outcome.Detail = fmt.Sprintf("magic packet delivered (%d/%d attempts)", result.Successes, result.Attempts)
}

func (s *Impl) powerCommand(ctx context.Context, target models.Target, action models.Action, outcome *models.Outcome) {
	cmd, _ := action.PowerCommand()

	if target.Address == "" {
		outcome.Err = fmt.Errorf("%w: no address configured", models.ErrMissingAddress)
		return
	}

	cred, err := s.credentials.Resolve(ctx, target)
	if err != nil {
		outcome.Err = err
		return
	}

	result := s.sshSvc.Execute(ctx, models.RemoteCommand{
		Host:       target.Address,
		Port:       target.SSHPort,
		OS:         target.OS,
		Credential: cred,
		Command:    cmd,
	})
	if result.Error != nil {
		outcome.Err = result.Error
		return
	}

	outcome.Succeeded = true
	outcome.Detail = fmt.Sprintf("%s command accepted", cmd)
}

func (s *Impl) probe(ctx context.Context, target models.Target, outcome *models.Outcome) {
	result := s.probeSvc.Probe(ctx, target.Address, s.settings.ProbeTimeout)
	s.recordLiveness(ctx, target.ID, result.IsOnline)

	if !result.IsOnline {
		outcome.Err = result.Error
		if outcome.Err == nil {
			outcome.Err = models.ErrUnreachable
		}
		return
	}

	outcome.Succeeded = true
	outcome.LatencyMs = result.LatencyMs
	outcome.Detail = "online"
	if result.LatencyMs != nil {
		outcome.Detail = fmt.Sprintf("online (%d ms)", *result.LatencyMs)
	}
}

func (s *Impl) recordLiveness(ctx context.Context, id string, active bool) {
	recorder, ok := s.registry.(LivenessRecorder)
	if !ok {
		return
	}
	if err := recorder.RecordLiveness(ctx, id, active); err != nil {
		s.logger.Warn().Err(err).Str("target", id).Msg("failed to record liveness")
	}
}

func (s *Impl) failed(batchID, id string, action models.Action, err error, d time.Duration) models.Outcome {
	return models.Outcome{
		BatchID:  batchID,
		TargetID: id,
		Action:   action,
		Detail:   err.Error(),
		Duration: d,
		Err:      err,
	}
}

func (s *Impl) timedOut(batchID, id string, action models.Action, d time.Duration) models.Outcome {
	s.logger.Warn().
		Str("batch_id", batchID).
		Str("target", id).
		Msg("target did not settle before the batch deadline")
	return s.failed(batchID, id, action, models.ErrTimeout, d)
}

// audit appends the event for outcome. Failures are logged and dropped.
func (s *Impl) audit(ctx context.Context, outcome models.Outcome, initiatedBy string) {
	if s.events == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, auditTimeout)
	defer cancel()

	if err := s.events.Append(ctx, models.NewAuditEvent(outcome, initiatedBy, time.Now())); err != nil {
		s.logger.Error().
			Err(err).
			Str("batch_id", outcome.BatchID).
			Str("target", outcome.TargetID).
			Msg("failed to write audit event")
	}
}

func (s *Impl) sendNotification(ctx context.Context, msg models.TelegramMessage) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	result, err := s.telegramSvc.SendNotification(ctx, *s.settings.Telegram, msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	s.logger.Info().Msg("Telegram notification sent")
}
