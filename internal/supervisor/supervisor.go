// Package supervisor owns the lifecycle of every adapter handle: start,
// liveness pings, restart with exponential backoff, onboarding variants, and
// cross-cutting request dispatch.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/haven-home/haven/internal/adapter"
	hverrors "github.com/haven-home/haven/internal/errors"
	"github.com/haven-home/haven/internal/metrics"
	"github.com/haven-home/haven/internal/models"
	"github.com/haven-home/haven/internal/registry"
	"github.com/haven-home/haven/internal/secrets"
)

// State is the lifecycle state of one managed handle.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// OnboardingPrefix marks the id of a short-lived onboarding handle.
const OnboardingPrefix = "__onboarding_"

const (
	defaultReadyTimeout = 30 * time.Second
	pingFailureLimit    = 3
)

// Callbacks are the supervisor's edges to the rest of the daemon, captured at
// construction so handles hold no back-pointers.
type Callbacks struct {
	// OnReachabilityChange fires when an adapter's running state flips.
	OnReachabilityChange func(adapterID string, reachable bool)
	// OnEntityRegistration delivers a successful ready registration. It runs
	// before any state change from the same adapter is fanned out.
	OnEntityRegistration func(adapterID string, entities []models.EntityRegistration, groups []models.EntityGroup)
	// OnStateChange receives unsolicited state changes.
	OnStateChange adapter.StateChangeFunc
	// OnExecute fires just before an execute is dispatched, so the triage
	// layer can arm command-echo suppression.
	OnExecute func(adapterID, entityID string, property models.Property, command map[string]any)
}

// Options tune supervision behavior.
type Options struct {
	PingInterval   time.Duration
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	ReadyTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.BackoffFloor <= 0 {
		o.BackoffFloor = 2 * time.Second
	}
	if o.BackoffCeiling <= 0 {
		o.BackoffCeiling = 60 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = defaultReadyTimeout
	}
	return o
}

// Health is one adapter's supervision snapshot.
type Health struct {
	AdapterID    string    `json:"adapterId"`
	AdapterType  string    `json:"adapterType"`
	State        State     `json:"state"`
	RestartCount int       `json:"restartCount"`
	LastPing     time.Time `json:"lastPing,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	Onboarding   bool      `json:"onboarding,omitempty"`
}

type managed struct {
	record     models.AdapterRecord // config snapshot taken at start
	entryPath  string
	onboarding bool

	handle     *adapter.Handle
	state      State
	generation int

	restartCount int
	bootFailures int // consecutive, resets on successful ready
	pingFailures int
	lastPing     time.Time
	lastError    string
	restartTimer *time.Timer
	restartArmed bool

	// Fan-out gate: state changes buffer until the registration has been
	// delivered, preserving the ready-precedes-state ordering.
	gateMu   sync.Mutex
	gateOpen bool
	gateBuf  []adapter.StateChange
}

// Supervisor owns the adapterId -> managed handle mapping.
type Supervisor struct {
	registry *registry.Registry
	secrets  *secrets.Store
	cb       Callbacks
	opts     Options
	backoff  backoffConfig

	mu      sync.Mutex
	managed map[string]*managed
	closed  bool
}

// New constructs a supervisor. Callbacks may be partially nil.
func New(reg *registry.Registry, sec *secrets.Store, cb Callbacks, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		registry: reg,
		secrets:  sec,
		cb:       cb,
		opts:     opts,
		backoff:  backoffConfig{Floor: opts.BackoffFloor, Ceiling: opts.BackoffCeiling},
		managed:  make(map[string]*managed),
	}
}

// Start boots the adapter described by rec and waits for its registration.
// Permanent failures (unknown type, unknown secret reference) abort without
// scheduling a retry; boot failures schedule a restart with backoff.
func (s *Supervisor) Start(ctx context.Context, rec *models.AdapterRecord) error {
	entryPath, err := s.registry.Resolve(rec.Type)
	if err != nil {
		return hverrors.Wrap(hverrors.KindRegistry, "start", rec.ID, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is shut down")
	}
	if existing, ok := s.managed[rec.ID]; ok && existing.state != StateStopped && existing.state != StateCrashed {
		s.mu.Unlock()
		return fmt.Errorf("adapter %s already managed in state %s", rec.ID, existing.state)
	}
	m := &managed{
		record:     *rec,
		entryPath:  entryPath,
		onboarding: strings.HasPrefix(rec.ID, OnboardingPrefix),
		state:      StateStarting,
	}
	s.managed[rec.ID] = m
	s.mu.Unlock()

	// The first persistent adapter of a type supersedes its onboarding
	// handle.
	if !m.onboarding {
		go s.teardownOnboarding(rec.Type)
	}

	if err := s.boot(ctx, m); err != nil {
		if !hverrors.IsRetryable(err) {
			s.setState(m, StateStopped, err.Error())
			return err
		}
		s.scheduleRestart(m)
		return err
	}
	return nil
}

// boot runs one spawn attempt: resolve secrets, spawn, await ready, publish
// registration, start watchers. Callers must not hold s.mu.
func (s *Supervisor) boot(ctx context.Context, m *managed) error {
	// Secrets are resolved at the moment of start and never cached.
	resolved, err := s.secrets.ResolveBag(m.record.ConfigBag)
	if err != nil {
		s.setState(m, StateCrashed, err.Error())
		return hverrors.Wrap(hverrors.KindSecret, "start", m.record.ID, err)
	}

	s.mu.Lock()
	m.state = StateStarting
	m.generation++
	generation := m.generation
	m.gateMu.Lock()
	m.gateOpen = false
	m.gateBuf = nil
	m.gateMu.Unlock()
	handle := adapter.New(m.record.ID, m.record.Type, m.entryPath, resolved, s.gatedFanout(m))
	m.handle = handle
	s.mu.Unlock()

	if err := handle.Start(ctx); err != nil {
		s.noteBootFailure(m)
		s.setState(m, StateCrashed, err.Error())
		return hverrors.Wrap(hverrors.KindLifecycle, "start", m.record.ID, err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	registration, err := handle.WaitReady(readyCtx)
	cancel()
	if err != nil {
		s.noteBootFailure(m)
		s.setState(m, StateCrashed, err.Error())
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = handle.Stop(stopCtx)
		stopCancel()
		return err
	}

	s.mu.Lock()
	// A Stop that raced the handshake wins: do not resurrect the child.
	if m.generation != generation || m.state != StateStarting {
		s.mu.Unlock()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = handle.Stop(stopCtx)
		stopCancel()
		return hverrors.Wrap(hverrors.KindLifecycle, "start", m.record.ID, hverrors.ErrNotRunning)
	}
	m.state = StateRunning
	m.bootFailures = 0
	m.pingFailures = 0
	m.lastError = ""
	m.lastPing = time.Now()
	s.mu.Unlock()

	metrics.AdapterState.WithLabelValues(m.record.ID).Set(1)
	log.Info().
		Str("adapterId", m.record.ID).
		Int("entities", len(registration.Entities)).
		Int("groups", len(registration.Groups)).
		Msg("Adapter ready")

	// Registration reaches the space registry before the fan-out gate opens,
	// so no state change can overtake it.
	if s.cb.OnEntityRegistration != nil {
		s.cb.OnEntityRegistration(m.record.ID, registration.Entities, registration.Groups)
	}
	if s.cb.OnReachabilityChange != nil {
		s.cb.OnReachabilityChange(m.record.ID, true)
	}
	s.openGate(m)

	go s.watchExit(m, handle, generation)
	go s.pingLoop(m, handle, generation)
	return nil
}

// gatedFanout wraps the state-change callback so deliveries buffer until the
// registration has been published.
func (s *Supervisor) gatedFanout(m *managed) adapter.StateChangeFunc {
	return func(sc adapter.StateChange) {
		m.gateMu.Lock()
		if !m.gateOpen {
			m.gateBuf = append(m.gateBuf, sc)
			m.gateMu.Unlock()
			return
		}
		m.gateMu.Unlock()
		if s.cb.OnStateChange != nil {
			s.cb.OnStateChange(sc)
		}
	}
}

func (s *Supervisor) openGate(m *managed) {
	m.gateMu.Lock()
	buffered := m.gateBuf
	m.gateBuf = nil
	for _, sc := range buffered {
		if s.cb.OnStateChange != nil {
			s.cb.OnStateChange(sc)
		}
	}
	m.gateOpen = true
	m.gateMu.Unlock()
}

// watchExit marks the adapter crashed and schedules a restart when a running
// child exits underneath us.
func (s *Supervisor) watchExit(m *managed, handle *adapter.Handle, generation int) {
	<-handle.Exited()

	s.mu.Lock()
	stale := m.generation != generation || m.state == StateStopping || m.state == StateStopped
	s.mu.Unlock()
	if stale {
		return
	}

	exitErr := handle.ExitErr()
	msg := "child exited"
	if exitErr != nil {
		msg = exitErr.Error()
	}
	log.Warn().Str("adapterId", m.record.ID).Str("reason", msg).Msg("Adapter crashed")
	s.noteBootFailure(m)
	s.setState(m, StateCrashed, msg)
	s.scheduleRestart(m)
}

// pingLoop probes one running handle and restarts it after three consecutive
// failures.
func (s *Supervisor) pingLoop(m *managed, handle *adapter.Handle, generation int) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-handle.Exited():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		stale := m.generation != generation || m.state != StateRunning
		s.mu.Unlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), adapter.PingBudget)
		err := handle.Ping(ctx)
		cancel()

		s.mu.Lock()
		if err != nil {
			m.pingFailures++
			failures := m.pingFailures
			s.mu.Unlock()
			log.Warn().Str("adapterId", m.record.ID).Int("failures", failures).Err(err).Msg("Adapter ping failed")
			if failures >= pingFailureLimit {
				s.restartAfterPingFailure(m, handle, generation)
				return
			}
			continue
		}
		m.pingFailures = 0
		m.lastPing = time.Now()
		s.mu.Unlock()
	}
}

func (s *Supervisor) restartAfterPingFailure(m *managed, handle *adapter.Handle, generation int) {
	s.mu.Lock()
	if m.generation != generation || m.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.setState(m, StateStopping, "liveness pings failed")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	_ = handle.Stop(ctx)
	cancel()

	s.noteBootFailure(m)
	s.setState(m, StateCrashed, "liveness pings failed")
	s.scheduleRestart(m)
}

func (s *Supervisor) noteBootFailure(m *managed) {
	s.mu.Lock()
	m.bootFailures++
	s.mu.Unlock()
}

// scheduleRestart arms one restart timer with the current backoff delay. A
// second call while the timer is armed is a no-op, so concurrent crash and
// restart requests cannot spawn two children.
func (s *Supervisor) scheduleRestart(m *managed) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || m.restartArmed || m.state == StateStopping || m.state == StateStopped {
		return
	}

	attempt := m.bootFailures - 1
	if attempt < 0 {
		attempt = 0
	}
	delay := s.backoff.nextDelay(attempt)
	m.restartArmed = true
	m.restartCount++
	metrics.AdapterRestartsTotal.WithLabelValues(m.record.ID).Inc()

	log.Info().
		Str("adapterId", m.record.ID).
		Dur("delay", delay).
		Int("restartCount", m.restartCount).
		Msg("Restart scheduled")

	m.restartTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		m.restartArmed = false
		if s.closed || m.state == StateStopping || m.state == StateStopped {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.boot(context.Background(), m); err != nil {
			if hverrors.IsRetryable(err) {
				s.scheduleRestart(m)
			} else {
				s.setState(m, StateStopped, err.Error())
			}
		}
	})
}

// Restart stops a managed adapter if needed and boots it immediately,
// bypassing any armed backoff timer.
func (s *Supervisor) Restart(ctx context.Context, adapterID string) error {
	s.mu.Lock()
	m, ok := s.managed[adapterID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("adapter %s: %w", adapterID, hverrors.ErrNotFound)
	}
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartArmed = false
	}
	running := m.state == StateRunning
	handle := m.handle
	s.mu.Unlock()

	if running {
		s.setState(m, StateStopping, "")
		if handle != nil {
			if err := handle.Stop(ctx); err != nil {
				return err
			}
		}
	}
	s.setState(m, StateStopped, "")
	return s.boot(ctx, m)
}

// Stop gracefully stops one adapter and disarms any pending restart.
func (s *Supervisor) Stop(ctx context.Context, adapterID string) error {
	s.mu.Lock()
	m, ok := s.managed[adapterID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("adapter %s: %w", adapterID, hverrors.ErrNotFound)
	}
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartArmed = false
	}
	handle := m.handle
	wasRunning := m.state == StateRunning
	s.mu.Unlock()

	// Leaving running goes through setState so reachability and the state
	// gauge track the flip.
	s.setState(m, StateStopping, "")

	if handle != nil && wasRunning {
		if err := handle.Stop(ctx); err != nil {
			s.setState(m, StateStopped, "")
			return err
		}
	}
	s.setState(m, StateStopped, "")
	return nil
}

// Remove stops an adapter and forgets it entirely.
func (s *Supervisor) Remove(ctx context.Context, adapterID string) error {
	err := s.Stop(ctx, adapterID)
	s.mu.Lock()
	delete(s.managed, adapterID)
	s.mu.Unlock()
	return err
}

// RecordStore is the slice of persistence Deprovision needs.
type RecordStore interface {
	GetAdapter(id string) (*models.AdapterRecord, error)
	DeleteAdapter(id string) error
}

// Deprovision deletes an adapter for good: stop the child if one is managed,
// erase every secret its config bag references, then drop the persisted
// record. A record that was never started still gets its secrets erased.
func (s *Supervisor) Deprovision(ctx context.Context, st RecordStore, adapterID string) error {
	rec, err := st.GetAdapter(adapterID)
	if err != nil {
		return err
	}
	if err := s.Remove(ctx, adapterID); err != nil && !errors.Is(err, hverrors.ErrNotFound) {
		return err
	}
	if err := s.secrets.DeleteForBag(rec.ConfigBag); err != nil {
		return err
	}
	log.Info().Str("adapterId", adapterID).Msg("Adapter deprovisioned")
	return st.DeleteAdapter(adapterID)
}

// AdapterType returns the configured type of a managed adapter.
func (s *Supervisor) AdapterType(adapterID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managed[adapterID]
	if !ok {
		return "", false
	}
	return m.record.Type, true
}

// StopAll stops every managed handle concurrently and waits for all to
// settle.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.managed))
	for id := range s.managed {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return s.Stop(ctx, id)
		})
	}
	return g.Wait()
}

// StartOnboarding spawns a short-lived handle with an empty config bag for
// interactive discovery and pairing before any persistent record of the type
// exists. The adapter must tolerate this mode by registering zero entities.
func (s *Supervisor) StartOnboarding(ctx context.Context, adapterType string) (string, error) {
	id := OnboardingPrefix + adapterType
	s.mu.Lock()
	if m, ok := s.managed[id]; ok && m.state == StateRunning {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	rec := &models.AdapterRecord{ID: id, Type: adapterType, ConfigBag: map[string]any{}}
	if err := s.Start(ctx, rec); err != nil {
		return "", err
	}
	return id, nil
}

// teardownOnboarding stops the onboarding handle for a type, if one exists.
func (s *Supervisor) teardownOnboarding(adapterType string) {
	id := OnboardingPrefix + adapterType
	s.mu.Lock()
	_, ok := s.managed[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.Remove(ctx, id); err != nil {
		log.Warn().Err(err).Str("adapterId", id).Msg("Failed to tear down onboarding handle")
	}
}

// runningHandle fails fast when the adapter is absent or not running.
func (s *Supervisor) runningHandle(adapterID string) (*adapter.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.managed[adapterID]
	if !ok {
		return nil, fmt.Errorf("adapter %s: %w", adapterID, hverrors.ErrNotFound)
	}
	if m.state != StateRunning || m.handle == nil {
		return nil, fmt.Errorf("adapter %s in state %s: %w", adapterID, m.state, hverrors.ErrNotRunning)
	}
	return m.handle, nil
}

// Observe fetches current state from one adapter entity.
func (s *Supervisor) Observe(ctx context.Context, adapterID, entityID string, property models.Property) (json.RawMessage, error) {
	handle, err := s.runningHandle(adapterID)
	if err != nil {
		return nil, err
	}
	state, err := handle.Observe(ctx, entityID, property)
	metrics.ObserveRequest("observe", err)
	return state, err
}

// Execute dispatches a command to one adapter entity, arming echo
// suppression first.
func (s *Supervisor) Execute(ctx context.Context, adapterID, entityID string, property models.Property, command map[string]any) error {
	handle, err := s.runningHandle(adapterID)
	if err != nil {
		return err
	}
	if s.cb.OnExecute != nil {
		s.cb.OnExecute(adapterID, entityID, property, command)
	}
	err = handle.Execute(ctx, entityID, property, command)
	metrics.ObserveRequest("execute", err)
	return err
}

// Query runs a parameterized read against one adapter entity.
func (s *Supervisor) Query(ctx context.Context, adapterID, entityID string, property models.Property, params map[string]any) (adapter.QueryResult, error) {
	handle, err := s.runningHandle(adapterID)
	if err != nil {
		return adapter.QueryResult{}, err
	}
	res, err := handle.Query(ctx, entityID, property, params)
	metrics.ObserveRequest("query", err)
	return res, err
}

// Discover runs interactive discovery against a configured or onboarding
// handle.
func (s *Supervisor) Discover(ctx context.Context, adapterID string, params map[string]any) (adapter.DiscoverResult, error) {
	handle, err := s.runningHandle(adapterID)
	if err != nil {
		return adapter.DiscoverResult{}, err
	}
	res, err := handle.Discover(ctx, params)
	metrics.ObserveRequest("discover", err)
	return res, err
}

// Pair runs interactive pairing against a configured or onboarding handle.
func (s *Supervisor) Pair(ctx context.Context, adapterID string, params map[string]any) (adapter.PairResult, error) {
	handle, err := s.runningHandle(adapterID)
	if err != nil {
		return adapter.PairResult{}, err
	}
	res, err := handle.Pair(ctx, params)
	metrics.ObserveRequest("pair", err)
	return res, err
}

// Logs returns the most recent log lines for one adapter.
func (s *Supervisor) Logs(adapterID string, n int) ([]adapter.LogEntry, error) {
	s.mu.Lock()
	m, ok := s.managed[adapterID]
	s.mu.Unlock()
	if !ok || m.handle == nil {
		return nil, fmt.Errorf("adapter %s: %w", adapterID, hverrors.ErrNotFound)
	}
	return m.handle.Logs(n), nil
}

// Health returns the supervision snapshot of every managed adapter.
func (s *Supervisor) Health() []Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Health, 0, len(s.managed))
	for id, m := range s.managed {
		out = append(out, Health{
			AdapterID:    id,
			AdapterType:  m.record.Type,
			State:        m.state,
			RestartCount: m.restartCount,
			LastPing:     m.lastPing,
			LastError:    m.lastError,
			Onboarding:   m.onboarding,
		})
	}
	return out
}

// setState records a state transition, keeping reachability and the state
// gauge in step with the running flag.
func (s *Supervisor) setState(m *managed, state State, lastError string) {
	s.mu.Lock()
	prev := m.state
	m.state = state
	if lastError != "" {
		m.lastError = lastError
	}
	s.mu.Unlock()

	if prev == StateRunning && state != StateRunning {
		metrics.AdapterState.WithLabelValues(m.record.ID).Set(0)
		if s.cb.OnReachabilityChange != nil {
			s.cb.OnReachabilityChange(m.record.ID, false)
		}
	}
}
