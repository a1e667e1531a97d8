package coordinator

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fgeck/powerfleet/internal/models"
	"github.com/fgeck/powerfleet/internal/services/credentials"
	"github.com/fgeck/powerfleet/internal/services/wol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Mock implementations.
type mockRegistry struct {
	targets      map[string]models.Target
	order        []string
	err          error
	mu           sync.Mutex
	liveness     map[string]bool
	getByIDsCall atomic.Int32
}

func newMockRegistry(targets ...models.Target) *mockRegistry {
	r := &mockRegistry{targets: map[string]models.Target{}, liveness: map[string]bool{}}
	for _, t := range targets {
		r.targets[t.ID] = t
		r.order = append(r.order, t.ID)
	}
	return r
}

func (m *mockRegistry) GetByIDs(ctx context.Context, ids []string) ([]models.Target, []string, error) {
	m.getByIDsCall.Add(1)
	if m.err != nil {
		return nil, nil, m.err
	}
	var found []models.Target
	var missing []string
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if t, ok := m.targets[id]; ok {
			found = append(found, t)
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

func (m *mockRegistry) ListAll(ctx context.Context) ([]models.Target, error) {
	if m.err != nil {
		return nil, m.err
	}
	list := make([]models.Target, 0, len(m.order))
	for _, id := range m.order {
		list = append(list, m.targets[id])
	}
	return list, nil
}

func (m *mockRegistry) RecordLiveness(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveness[id] = active
	return nil
}

func (m *mockRegistry) livenessOf(id string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.liveness[id]
	return v, ok
}

type mockEventLog struct {
	mu         sync.Mutex
	events     []models.AuditEvent
	appendFunc func(ctx context.Context, event models.AuditEvent) error
}

func (m *mockEventLog) Append(ctx context.Context, event models.AuditEvent) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	if m.appendFunc != nil {
		return m.appendFunc(ctx, event)
	}
	return nil
}

func (m *mockEventLog) recorded() []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEvent(nil), m.events...)
}

type mockWOLService struct {
	wakeFunc func(ctx context.Context, mac net.HardwareAddr, destinations []string) *models.WakeResult
}

func (m *mockWOLService) Wake(ctx context.Context, mac net.HardwareAddr, destinations []string) *models.WakeResult {
	if m.wakeFunc != nil {
		return m.wakeFunc(ctx, mac, destinations)
	}
	return &models.WakeResult{Attempts: 9, Successes: 9}
}

type mockSSHService struct {
	calls       atomic.Int32
	executeFunc func(ctx context.Context, cmd models.RemoteCommand) *models.CommandResult
}

func (m *mockSSHService) Execute(ctx context.Context, cmd models.RemoteCommand) *models.CommandResult {
	m.calls.Add(1)
	if m.executeFunc != nil {
		return m.executeFunc(ctx, cmd)
	}
	return &models.CommandResult{SessionEstablished: true, CommandRun: true}
}

type mockProbeService struct {
	probeFunc func(ctx context.Context, address string, timeout time.Duration) *models.ProbeResult
}

func (m *mockProbeService) Probe(ctx context.Context, address string, timeout time.Duration) *models.ProbeResult {
	if m.probeFunc != nil {
		return m.probeFunc(ctx, address, timeout)
	}
	latency := int64(3)
	return &models.ProbeResult{IsOnline: true, LatencyMs: &latency}
}

type mockCredentialProvider struct {
	resolveFunc func(ctx context.Context, target models.Target) (models.Credential, error)
}

func (m *mockCredentialProvider) Resolve(ctx context.Context, target models.Target) (models.Credential, error) {
	if m.resolveFunc != nil {
		return m.resolveFunc(ctx, target)
	}
	return models.Credential{Username: "admin", Password: "secret"}, nil
}

type mockTelegramService struct {
	mu       sync.Mutex
	messages []models.TelegramMessage
}

func (m *mockTelegramService) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return &models.TelegramResult{MessageSent: true}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func nas() models.Target {
	return models.Target{
		ID:               "nas",
		MACAddress:       "AA:BB:CC:DD:EE:01",
		Address:          "192.168.1.10",
		BroadcastAddress: "192.168.1.255",
		Credential:       &models.CredentialRef{Username: "admin", Password: "secret"},
	}
}

func desktop() models.Target {
	return models.Target{
		ID:               "desktop",
		MACAddress:       "AA:BB:CC:DD:EE:02",
		Address:          "192.168.1.20",
		BroadcastAddress: "192.168.1.255",
		OS:               models.OSWindows,
		Credential:       &models.CredentialRef{Username: "admin", Password: "secret"},
	}
}

type fixture struct {
	registry *mockRegistry
	events   *mockEventLog
	wol      *mockWOLService
	ssh      *mockSSHService
	probe    *mockProbeService
	creds    *mockCredentialProvider
	telegram *mockTelegramService
	settings Settings
}

func newFixture(targets ...models.Target) *fixture {
	return &fixture{
		registry: newMockRegistry(targets...),
		events:   &mockEventLog{},
		wol:      &mockWOLService{},
		ssh:      &mockSSHService{},
		probe:    &mockProbeService{},
		creds:    &mockCredentialProvider{},
		telegram: &mockTelegramService{},
	}
}

func (f *fixture) coordinator() *Impl {
	return NewWithServices(testLogger(), f.registry, f.creds, f.events, f.wol, f.ssh, f.probe, f.telegram, f.settings)
}

func outcomeFor(t *testing.T, outcomes []models.Outcome, id string) models.Outcome {
	t.Helper()
	for _, o := range outcomes {
		if o.TargetID == id {
			return o
		}
	}
	require.Failf(t, "outcome not found", "no outcome for %s", id)
	return models.Outcome{}
}

func TestDispatch_EmptyList(t *testing.T) {
	f := newFixture(nas())

	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionWake, nil, "admin")

	require.NoError(t, err)
	assert.NotNil(t, outcomes)
	assert.Empty(t, outcomes)
	assert.Empty(t, f.events.recorded())
	assert.Zero(t, f.registry.getByIDsCall.Load())
}

func TestDispatch_InvalidAction(t *testing.T) {
	f := newFixture(nas())

	outcomes, err := f.coordinator().Dispatch(context.Background(), models.Action("hibernate"), []string{"nas"}, "admin")

	assert.ErrorIs(t, err, models.ErrInvalidAction)
	assert.Nil(t, outcomes)
	assert.Empty(t, f.events.recorded())
	assert.Zero(t, f.registry.getByIDsCall.Load())
}

func TestDispatch_EmptyTargetID(t *testing.T) {
	f := newFixture(nas())

	_, err := f.coordinator().Dispatch(context.Background(), models.ActionProbe, []string{"nas", " "}, "admin")

	assert.ErrorIs(t, err, models.ErrInvalidTarget)
	assert.Empty(t, f.events.recorded())
}

func TestDispatch_CompletenessWithDuplicates(t *testing.T) {
	f := newFixture(nas(), desktop())
	ids := []string{"nas", "nas", "desktop", "ghost", "nas"}

	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionProbe, ids, "admin")

	require.NoError(t, err)
	require.Len(t, outcomes, len(ids))
	for i, id := range ids {
		assert.Equal(t, id, outcomes[i].TargetID)
		assert.Equal(t, models.ActionProbe, outcomes[i].Action)
		assert.NotEmpty(t, outcomes[i].BatchID)
	}
	assert.False(t, outcomes[3].Succeeded)
	assert.ErrorIs(t, outcomes[3].Err, models.ErrUnknownTarget)
	assert.Contains(t, outcomes[3].Detail, "ghost")

	events := f.events.recorded()
	assert.Len(t, events, len(ids))
}

func TestDispatch_SingleBatchID(t *testing.T) {
	f := newFixture(nas(), desktop())

	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionWake, []string{"nas", "desktop"}, "")

	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, outcomes[0].BatchID, outcomes[1].BatchID)
	for _, e := range f.events.recorded() {
		assert.Equal(t, outcomes[0].BatchID, e.BatchID)
		assert.Equal(t, models.DefaultInitiator, e.InitiatedBy)
	}
}

func TestDispatch_WakeEndToEnd(t *testing.T) {
	a := models.Target{ID: "A", MACAddress: "AA:AA:AA:AA:AA:AA", Address: "10.0.0.5", BroadcastAddress: "10.0.0.255"}
	b := models.Target{ID: "B", MACAddress: "BB:BB:BB:BB:BB:BB", Address: "10.0.0.6", BroadcastAddress: "10.0.0.255"}
	f := newFixture(a, b)

	client := &scriptedWOLClient{
		wakeFunc: func(addr string, mac net.HardwareAddr) error {
			// A only gets through on its second destination.
			if mac.String() == "aa:aa:aa:aa:aa:aa" && addr == "255.255.255.255:9" {
				return nil
			}
			return errors.New("sendto: network is unreachable")
		},
	}
	wolSvc := wol.NewWithClient(testLogger(), client, models.WOLSettings{PacketDelay: time.Millisecond})
	svc := NewWithServices(testLogger(), f.registry, f.creds, f.events, wolSvc, f.ssh, f.probe, f.telegram, f.settings)

	outcomes, err := svc.Dispatch(context.Background(), models.ActionWake, []string{"A", "B"}, "admin")

	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	outA := outcomeFor(t, outcomes, "A")
	assert.True(t, outA.Succeeded)
	assert.Contains(t, outA.Detail, "3/9")

	outB := outcomeFor(t, outcomes, "B")
	assert.False(t, outB.Succeeded)
	assert.Equal(t, "all wake attempts failed", outB.Detail)
	assert.ErrorIs(t, outB.Err, models.ErrBroadcastFailure)

	events := f.events.recorded()
	require.Len(t, events, 2)
	statuses := map[string]models.AuditStatus{}
	for _, e := range events {
		statuses[e.TargetID] = e.Status
		assert.Equal(t, "admin", e.InitiatedBy)
		assert.Equal(t, models.ActionWake, e.Action)
	}
	assert.Equal(t, models.AuditStatusSuccess, statuses["A"])
	assert.Equal(t, models.AuditStatusFailed, statuses["B"])
}

type scriptedWOLClient struct {
	wakeFunc func(addr string, mac net.HardwareAddr) error
}

func (c *scriptedWOLClient) Wake(addr string, mac net.HardwareAddr) error {
	return c.wakeFunc(addr, mac)
}

func TestDispatch_WakeDestinations(t *testing.T) {
	f := newFixture(nas())
	var got []string
	f.wol.wakeFunc = func(ctx context.Context, mac net.HardwareAddr, destinations []string) *models.WakeResult {
		got = destinations
		return &models.WakeResult{Attempts: 9, Successes: 1}
	}

	_, err := f.coordinator().Dispatch(context.Background(), models.ActionWake, []string{"nas"}, "admin")

	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.255", "255.255.255.255", "192.168.1.10"}, got)
}

func TestDispatch_WakeInvalidMAC(t *testing.T) {
	broken := nas()
	broken.MACAddress = "not-a-mac"
	noMAC := desktop()
	noMAC.MACAddress = ""
	f := newFixture(broken, noMAC)

	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionWake, []string{"nas", "desktop"}, "admin")

	require.NoError(t, err)
	for _, o := range outcomes {
		assert.False(t, o.Succeeded)
		assert.ErrorIs(t, o.Err, models.ErrInvalidMAC)
	}
	assert.Len(t, f.events.recorded(), 2)
}

func TestDispatch_ShutdownMissingCredential(t *testing.T) {
	target := nas()
	target.Credential = nil
	f := newFixture(target)
	svc := NewWithServices(testLogger(), f.registry, credentials.New(testLogger()), f.events, f.wol, f.ssh, f.probe, f.telegram, f.settings)

	outcomes, err := svc.Dispatch(context.Background(), models.ActionShutdown, []string{"nas"}, "admin")

	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Succeeded)
	assert.ErrorIs(t, outcomes[0].Err, models.ErrMissingCredential)
	assert.Contains(t, outcomes[0].Detail, "missing credential")
	assert.Zero(t, f.ssh.calls.Load())

	events := f.events.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, models.AuditStatusFailed, events[0].Status)
}

func TestDispatch_ShutdownAndRestart(t *testing.T) {
	f := newFixture(nas(), desktop())
	var mu sync.Mutex
	commands := map[string]models.RemoteCommand{}
	f.ssh.executeFunc = func(ctx context.Context, cmd models.RemoteCommand) *models.CommandResult {
		mu.Lock()
		commands[cmd.Host] = cmd
		mu.Unlock()
		return &models.CommandResult{SessionEstablished: true, CommandRun: true}
	}
	svc := f.coordinator()

	outcomes, err := svc.Dispatch(context.Background(), models.ActionShutdown, []string{"nas"}, "admin")
	require.NoError(t, err)
	assert.True(t, outcomes[0].Succeeded)
	assert.Equal(t, "shutdown command accepted", outcomes[0].Detail)

	outcomes, err = svc.Dispatch(context.Background(), models.ActionRestart, []string{"desktop"}, "admin")
	require.NoError(t, err)
	assert.True(t, outcomes[0].Succeeded)

	assert.Equal(t, models.PowerCommandShutdown, commands["192.168.1.10"].Command)
	assert.Equal(t, models.PowerCommandRestart, commands["192.168.1.20"].Command)
	assert.Equal(t, models.OSWindows, commands["192.168.1.20"].OS)
	assert.Equal(t, "admin", commands["192.168.1.20"].Credential.Username)
}

func TestDispatch_ShutdownErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth", models.ErrAuthenticationFailed},
		{"unreachable", models.ErrUnreachable},
		{"rejected", models.ErrExecutionRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nas())
			f.ssh.executeFunc = func(ctx context.Context, cmd models.RemoteCommand) *models.CommandResult {
				return &models.CommandResult{Error: tt.err}
			}

			outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionShutdown, []string{"nas"}, "admin")

			require.NoError(t, err)
			assert.False(t, outcomes[0].Succeeded)
			assert.ErrorIs(t, outcomes[0].Err, tt.err)
			assert.Equal(t, tt.err.Error(), outcomes[0].Detail)
		})
	}
}

func TestDispatch_ShutdownMissingAddress(t *testing.T) {
	target := nas()
	target.Address = ""
	f := newFixture(target)

	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionShutdown, []string{"nas"}, "admin")

	require.NoError(t, err)
	assert.ErrorIs(t, outcomes[0].Err, models.ErrMissingAddress)
	assert.Zero(t, f.ssh.calls.Load())
}

func TestDispatch_ProbeRecordsLiveness(t *testing.T) {
	f := newFixture(nas(), desktop())
	f.probe.probeFunc = func(ctx context.Context, address string, timeout time.Duration) *models.ProbeResult {
		if address == "192.168.1.20" {
			return &models.ProbeResult{Error: models.ErrUnreachable}
		}
		latency := int64(7)
		return &models.ProbeResult{IsOnline: true, LatencyMs: &latency}
	}

	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionProbe, []string{"nas", "desktop"}, "admin")

	require.NoError(t, err)
	online := outcomeFor(t, outcomes, "nas")
	assert.True(t, online.Succeeded)
	require.NotNil(t, online.LatencyMs)
	assert.Equal(t, int64(7), *online.LatencyMs)
	assert.Equal(t, "online (7 ms)", online.Detail)

	offline := outcomeFor(t, outcomes, "desktop")
	assert.False(t, offline.Succeeded)
	assert.Nil(t, offline.LatencyMs)

	active, ok := f.registry.livenessOf("nas")
	assert.True(t, ok)
	assert.True(t, active)
	active, ok = f.registry.livenessOf("desktop")
	assert.True(t, ok)
	assert.False(t, active)

	for _, e := range f.events.recorded() {
		if e.TargetID == "nas" {
			require.NotNil(t, e.ResponseTimeMs)
			assert.Equal(t, int64(7), *e.ResponseTimeMs)
		}
	}
}

func TestDispatch_AuditParity(t *testing.T) {
	f := newFixture(nas(), desktop())
	f.ssh.executeFunc = func(ctx context.Context, cmd models.RemoteCommand) *models.CommandResult {
		if cmd.Host == "192.168.1.20" {
			return &models.CommandResult{Error: models.ErrAuthenticationFailed}
		}
		return &models.CommandResult{SessionEstablished: true, CommandRun: true}
	}
	ids := []string{"nas", "desktop", "ghost", "desktop"}

	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionShutdown, ids, "ops")

	require.NoError(t, err)
	events := f.events.recorded()
	require.Len(t, events, len(outcomes))

	want := map[string]int{}
	for _, o := range outcomes {
		status := models.AuditStatusFailed
		if o.Succeeded {
			status = models.AuditStatusSuccess
		}
		want[o.TargetID+"/"+string(status)]++
	}
	got := map[string]int{}
	for _, e := range events {
		got[e.TargetID+"/"+string(e.Status)]++
		assert.Equal(t, "ops", e.InitiatedBy)
	}
	assert.Equal(t, want, got)
}

func TestDispatch_AuditFailureIsIgnored(t *testing.T) {
	f := newFixture(nas(), desktop())
	f.events.appendFunc = func(ctx context.Context, event models.AuditEvent) error {
		return errors.New("disk full")
	}

	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionWake, []string{"nas", "desktop"}, "admin")

	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.True(t, o.Succeeded)
	}
	assert.Len(t, f.events.recorded(), 2)
}

func TestDispatch_Independence(t *testing.T) {
	hanging := nas()
	f := newFixture(hanging, desktop())
	f.settings.Dispatch.BatchTimeout = 200 * time.Millisecond
	f.ssh.executeFunc = func(ctx context.Context, cmd models.RemoteCommand) *models.CommandResult {
		if cmd.Host == hanging.Address {
			<-ctx.Done()
			return &models.CommandResult{Error: ctx.Err()}
		}
		return &models.CommandResult{SessionEstablished: true, CommandRun: true}
	}

	start := time.Now()
	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionShutdown, []string{"nas", "desktop"}, "admin")
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Less(t, elapsed, 2*time.Second)

	ok := outcomeFor(t, outcomes, "desktop")
	assert.True(t, ok.Succeeded)

	stuck := outcomeFor(t, outcomes, "nas")
	assert.False(t, stuck.Succeeded)
	assert.Equal(t, "timed out", stuck.Detail)
	assert.ErrorIs(t, stuck.Err, models.ErrTimeout)

	assert.Len(t, f.events.recorded(), 2)
}

func TestDispatch_CallerDeadline(t *testing.T) {
	f := newFixture(nas())
	f.probe.probeFunc = func(ctx context.Context, address string, timeout time.Duration) *models.ProbeResult {
		<-ctx.Done()
		return &models.ProbeResult{Error: models.ErrTimeout}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	outcomes, err := f.coordinator().Dispatch(ctx, models.ActionProbe, []string{"nas", "nas"}, "admin")

	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, "timed out", o.Detail)
	}

	// Late results must not add events.
	time.Sleep(50 * time.Millisecond)
	events := f.events.recorded()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, models.AuditStatusFailed, e.Status)
	}
}

func TestDispatch_PanicBecomesFailedOutcome(t *testing.T) {
	f := newFixture(nas(), desktop())
	f.probe.probeFunc = func(ctx context.Context, address string, timeout time.Duration) *models.ProbeResult {
		if address == "192.168.1.10" {
			panic("probe exploded")
		}
		return &models.ProbeResult{IsOnline: true}
	}

	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionProbe, []string{"nas", "desktop"}, "admin")

	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	crashed := outcomeFor(t, outcomes, "nas")
	assert.False(t, crashed.Succeeded)
	assert.Equal(t, "probe exploded", crashed.Detail)

	assert.True(t, outcomeFor(t, outcomes, "desktop").Succeeded)
	assert.Len(t, f.events.recorded(), 2)
}

func TestDispatch_RegistryFailure(t *testing.T) {
	f := newFixture(nas())
	f.registry.err = errors.New("registry offline")

	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionWake, []string{"nas", "desktop"}, "admin")

	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.False(t, o.Succeeded)
		assert.Contains(t, o.Detail, "registry offline")
	}
	assert.Len(t, f.events.recorded(), 2)
}

func TestDispatch_MaxParallel(t *testing.T) {
	f := newFixture(nas(), desktop())
	f.settings.Dispatch.MaxParallel = 1

	var running, peak atomic.Int32
	f.probe.probeFunc = func(ctx context.Context, address string, timeout time.Duration) *models.ProbeResult {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return &models.ProbeResult{IsOnline: true}
	}

	ids := []string{"nas", "desktop", "nas", "desktop"}
	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionProbe, ids, "admin")

	require.NoError(t, err)
	assert.Len(t, outcomes, 4)
	assert.Equal(t, int32(1), peak.Load())
}

func TestDispatch_QueuedUnitsDoNotRunAfterTimeout(t *testing.T) {
	f := newFixture(nas(), desktop())
	f.settings.Dispatch.MaxParallel = 1
	f.settings.Dispatch.BatchTimeout = 100 * time.Millisecond

	var returned atomic.Bool
	var late atomic.Int32
	f.ssh.executeFunc = func(ctx context.Context, cmd models.RemoteCommand) *models.CommandResult {
		if returned.Load() {
			late.Add(1)
		}
		// Ignores ctx on purpose, like a slow remote that cannot be interrupted.
		time.Sleep(300 * time.Millisecond)
		return &models.CommandResult{SessionEstablished: true, CommandRun: true}
	}

	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionShutdown, []string{"nas", "desktop"}, "admin")
	returned.Store(true)

	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.False(t, o.Succeeded)
		assert.Equal(t, "timed out", o.Detail)
	}

	// Let the running unit finish and free its capacity.
	time.Sleep(400 * time.Millisecond)

	assert.Equal(t, int32(1), f.ssh.calls.Load())
	assert.Zero(t, late.Load())
	assert.Len(t, f.events.recorded(), 2)
}

func TestDispatch_SlowAuditDoesNotSerialiseBatch(t *testing.T) {
	f := newFixture(nas())
	f.events.appendFunc = func(ctx context.Context, event models.AuditEvent) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	}

	start := time.Now()
	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionProbe, []string{"nas", "nas", "nas", "nas"}, "admin")
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, outcomes, 4)
	assert.Len(t, f.events.recorded(), 4)
	assert.Less(t, elapsed, 900*time.Millisecond)
}

func TestDispatch_TelegramSummary(t *testing.T) {
	f := newFixture(nas())
	f.settings.Telegram = &models.TelegramConfig{BotToken: "t", ChatID: "c"}

	outcomes, err := f.coordinator().Dispatch(context.Background(), models.ActionWake, []string{"nas"}, "admin")

	require.NoError(t, err)
	require.Len(t, f.telegram.messages, 1)
	msg := f.telegram.messages[0]
	assert.Equal(t, outcomes[0].BatchID, msg.BatchID)
	assert.Equal(t, models.ActionWake, msg.Action)
	assert.Equal(t, "admin", msg.InitiatedBy)
	assert.Len(t, msg.Outcomes, 1)
}

func TestDispatch_NoTelegramByDefault(t *testing.T) {
	f := newFixture(nas())

	_, err := f.coordinator().Dispatch(context.Background(), models.ActionWake, []string{"nas"}, "admin")

	require.NoError(t, err)
	assert.Empty(t, f.telegram.messages)
}

func TestDispatchAll(t *testing.T) {
	f := newFixture(nas(), desktop())

	outcomes, err := f.coordinator().DispatchAll(context.Background(), models.ActionProbe, "cron")

	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "nas", outcomes[0].TargetID)
	assert.Equal(t, "desktop", outcomes[1].TargetID)
	assert.Len(t, f.events.recorded(), 2)
}

func TestDispatchAll_EmptyFleet(t *testing.T) {
	f := newFixture()

	outcomes, err := f.coordinator().DispatchAll(context.Background(), models.ActionWake, "cron")

	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Empty(t, f.events.recorded())
}

func TestDispatchAll_InvalidAction(t *testing.T) {
	f := newFixture(nas())

	_, err := f.coordinator().DispatchAll(context.Background(), models.Action(""), "cron")

	assert.ErrorIs(t, err, models.ErrInvalidAction)
}

func TestProbeOne(t *testing.T) {
	f := newFixture(nas())
	var gotTimeout time.Duration
	f.probe.probeFunc = func(ctx context.Context, address string, timeout time.Duration) *models.ProbeResult {
		gotTimeout = timeout
		latency := int64(2)
		return &models.ProbeResult{IsOnline: true, LatencyMs: &latency}
	}

	result, err := f.coordinator().ProbeOne(context.Background(), "nas")

	require.NoError(t, err)
	assert.True(t, result.IsOnline)
	require.NotNil(t, result.LatencyMs)
	assert.Equal(t, int64(2), *result.LatencyMs)
	assert.Equal(t, 3*time.Second, gotTimeout)

	active, ok := f.registry.livenessOf("nas")
	assert.True(t, ok)
	assert.True(t, active)
	assert.Empty(t, f.events.recorded())
}

func TestProbeOne_Errors(t *testing.T) {
	f := newFixture(nas())
	svc := f.coordinator()

	_, err := svc.ProbeOne(context.Background(), "")
	assert.ErrorIs(t, err, models.ErrInvalidTarget)

	_, err = svc.ProbeOne(context.Background(), "ghost")
	assert.ErrorIs(t, err, models.ErrUnknownTarget)
}
