// Package fcr implements the Fast Confirmation Rule monitor: a long-running
// poller of the consensus subprotocol's phase/round/instance state that
// exposes a four-level confirmation lattice per pending transaction using the
// L2 safe heuristic. The monitor is a pure source of ConfirmationStatus values
// keyed only by height; it never depends on the risk ledger or the settlement
// engine.
package fcr

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"facilitatord/internal/types"
)

// MinPrepareWindow is the propagation guard for the PREPARE/round-0 heuristic.
// Not tunable below this floor without revisiting the safety claim.
const MinPrepareWindow = 5 * time.Second

// CertificateCacheSize bounds the LRU cache of instance -> certificate.
const CertificateCacheSize = 100

// Source is the JSON-RPC surface the monitor polls.
type Source interface {
	GetProgress(ctx context.Context) (instance, round uint64, phase types.Phase, err error)
	GetManifest(ctx context.Context) (map[string]interface{}, error)
	GetCertificate(ctx context.Context, instance uint64) (*types.Certificate, error)
	GetLatestCertificate(ctx context.Context) (*types.Certificate, error)
}

// Monitor polls Source and maintains InstanceState plus a certificate cache.
// InstanceState is mutated only by the poller goroutine; other callers only
// read snapshots via State() and Evaluate().
type Monitor struct {
	source       Source
	pollInterval time.Duration
	logger       *slog.Logger

	mu    sync.RWMutex
	state types.InstanceState

	certMu    sync.Mutex
	certOrder *list.List
	certByKey map[uint64]*list.Element
	latest    *types.Certificate

	clock func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

type certEntry struct {
	instance uint64
	cert     *types.Certificate
}

// New constructs an FCR monitor. pollInterval defaults to 1s if non-positive.
func New(source Source, pollInterval time.Duration, logger *slog.Logger) *Monitor {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		source:       source,
		pollInterval: pollInterval,
		logger:       logger,
		certOrder:    list.New(),
		certByKey:    make(map[uint64]*list.Element),
		clock:        time.Now,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// SetClock overrides the time source, primarily for tests. Passing nil resets
// to time.Now.
func (m *Monitor) SetClock(clock func() time.Time) {
	if clock == nil {
		clock = time.Now
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// Start launches the poller goroutine. Call Stop to cancel it.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop cancels polling and waits for the poller goroutine to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) {
	instance, round, phase, err := m.source.GetProgress(ctx)
	if err != nil {
		m.logger.Warn("fcr: poll failed", slog.String("error", err.Error()))
		return
	}

	m.mu.Lock()
	prev := m.state
	now := m.clock()

	switch {
	case m.state.Instance == 0 && m.state.PhaseStartTime.IsZero():
		m.state = types.InstanceState{Instance: instance, Round: round, Phase: phase, PhaseStartTime: now}
	case instance > prev.Instance:
		m.state = types.InstanceState{Instance: instance, Round: 0, Phase: phase, PhaseStartTime: now, RoundBumps: 0}
	case round > prev.Round:
		m.state = types.InstanceState{Instance: instance, Round: round, Phase: phase, PhaseStartTime: now, RoundBumps: prev.RoundBumps + 1}
	case phase != prev.Phase:
		m.state.Phase = phase
		m.state.PhaseStartTime = now
	}
	instanceAdvanced := instance > prev.Instance
	m.mu.Unlock()

	if instanceAdvanced && prev.Instance != 0 {
		go m.fetchCertificate(ctx, prev.Instance)
	}
}

func (m *Monitor) fetchCertificate(ctx context.Context, instance uint64) {
	cert, err := m.source.GetCertificate(ctx, instance)
	if err != nil || cert == nil {
		return
	}
	m.storeCertificate(instance, cert)
}

func (m *Monitor) storeCertificate(instance uint64, cert *types.Certificate) {
	var finalized uint64
	for _, ref := range cert.ECChain {
		if ref.Epoch > finalized {
			finalized = ref.Epoch
		}
	}
	cert.FinalizedHeight = finalized

	m.certMu.Lock()
	defer m.certMu.Unlock()

	if elem, ok := m.certByKey[instance]; ok {
		m.certOrder.MoveToFront(elem)
		elem.Value.(*certEntry).cert = cert
	} else {
		elem := m.certOrder.PushFront(&certEntry{instance: instance, cert: cert})
		m.certByKey[instance] = elem
		if m.certOrder.Len() > CertificateCacheSize {
			oldest := m.certOrder.Back()
			if oldest != nil {
				m.certOrder.Remove(oldest)
				delete(m.certByKey, oldest.Value.(*certEntry).instance)
			}
		}
	}
	if m.latest == nil || cert.Instance > m.latest.Instance {
		m.latest = cert
	}
}

func (m *Monitor) certificateFor(instance uint64) (*types.Certificate, bool) {
	m.certMu.Lock()
	defer m.certMu.Unlock()
	elem, ok := m.certByKey[instance]
	if !ok {
		return nil, false
	}
	m.certOrder.MoveToFront(elem)
	return elem.Value.(*certEntry).cert, true
}

// State returns a snapshot of the monitor's current instance state.
func (m *Monitor) State() types.InstanceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// isL2Safe implements the design-critical L2 heuristic: phase >= COMMIT, or
// PREPARE at round 0 held for at least MinPrepareWindow.
func isL2Safe(state types.InstanceState, now time.Time) bool {
	if state.Phase.AtLeast(types.PhaseCommit) {
		return true
	}
	if state.Phase == types.PhasePrepare && state.Round == 0 {
		return now.Sub(state.PhaseStartTime) >= MinPrepareWindow
	}
	return false
}

// instanceStatusFor implements the height-to-instance mapping documented for
// the monitor: prefer the latest certificate, then fall back to the active
// instance's coverage.
func (m *Monitor) instanceStatusFor(ctx context.Context, height uint64) (uint64, types.InstanceStatus) {
	m.certMu.Lock()
	latest := m.latest
	m.certMu.Unlock()

	if latest != nil && latest.FinalizedHeight >= height {
		return latest.Instance, types.StatusFinalized
	}

	state := m.State()
	if state.Instance == 0 && state.PhaseStartTime.IsZero() {
		return 0, types.StatusPending
	}

	if cert, ok := m.certificateFor(state.Instance); ok && cert.FinalizedHeight >= height {
		return state.Instance, types.StatusFinalized
	}

	if cert, ok := m.certificateFor(state.Instance); ok && cert.FinalizedHeight < height {
		return state.Instance + 1, types.StatusPending
	}

	return state.Instance, types.StatusActive
}

// Evaluate returns the ConfirmationStatus for a tipset height. It is a pure
// function of (height, InstanceState, certificate cache) taken as a snapshot;
// the monitor never advertises L0 — L0 is reserved for the window before a
// transaction is included in any tipset, reported by the settlement engine.
func (m *Monitor) Evaluate(ctx context.Context, height uint64) types.ConfirmationStatus {
	instance, status := m.instanceStatusFor(ctx, height)

	switch status {
	case types.StatusFinalized:
		return types.ConfirmationStatus{Level: types.LevelL3, Instance: instance, CertificateID: instance, Status: status}
	case types.StatusActive:
		state := m.State()
		if state.Instance != instance {
			return types.ConfirmationStatus{Level: types.LevelL1, Instance: instance, Status: status}
		}
		switch {
		case state.Phase.AtLeast(types.PhaseDecide):
			return types.ConfirmationStatus{Level: types.LevelL3, Instance: instance, Status: status}
		case isL2Safe(state, m.clock()):
			return types.ConfirmationStatus{Level: types.LevelL2, Instance: instance, Status: status}
		default:
			return types.ConfirmationStatus{Level: types.LevelL1, Instance: instance, Status: status}
		}
	default:
		return types.ConfirmationStatus{Level: types.LevelL1, Instance: instance, Status: types.StatusPending}
	}
}

// WaitForLevel blocks until the monitor's top-level status (evaluated against
// the given height) reaches at least the requested level, or the context is
// cancelled.
func (m *Monitor) WaitForLevel(ctx context.Context, height uint64, level types.ConfirmationLevel) (types.ConfirmationStatus, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		status := m.Evaluate(ctx, height)
		if status.Level.AtLeast(level) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
