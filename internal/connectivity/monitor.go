// Package connectivity tracks whether the authoritative store is reachable
// and runs the reconciliation step when it comes back.
//
// The store always wins on reconnect. Pending-write markers recorded while
// degraded are never replayed: each one is checked against the store and
// either confirmed as applied or reported as unresolved so the caller can
// re-invoke the (idempotent) operation.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-bidding/internal/clock"
	"github.com/example/ride-bidding/internal/localstate"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
)

type Mode int

const (
	Online Mode = iota
	Degraded
	Reconciling
)

func (m Mode) String() string {
	switch m {
	case Degraded:
		return "degraded"
	case Reconciling:
		return "reconciling"
	default:
		return "online"
	}
}

type Store interface {
	Ping(ctx context.Context) error
	GetRide(ctx context.Context, rideID string) (models.RideRequest, error)
	ListBids(ctx context.Context, rideID string) ([]models.Bid, error)
}

// Resolution is the outcome of checking one pending write.
type Resolution struct {
	Write   models.PendingWrite
	Applied bool
	Ride    models.RideRequest
}

type Report struct {
	Resolved   []Resolution
	Unresolved []Resolution
}

type Monitor struct {
	store   Store
	pending localstate.PendingWrites
	clock   clock.Clock
	logger  *slog.Logger

	// OnUnresolved is called for every pending write whose effect is not
	// visible in the store after reconnect.
	OnUnresolved func(Resolution)

	mu    sync.Mutex
	mode  Mode
	since time.Time
	recon sync.Mutex
}

func NewMonitor(store Store, pending localstate.PendingWrites, clk clock.Clock, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{store: store, pending: pending, clock: clk, logger: logger, since: clk.Now()}
}

func (m *Monitor) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Monitor) setMode(next Mode) {
	m.mu.Lock()
	prev := m.mode
	m.mode = next
	if prev != next {
		m.since = m.clock.Now()
	}
	m.mu.Unlock()
	if prev != next {
		observability.StoreMode.Set(float64(next))
		m.logger.Info("store connectivity changed", "from", prev.String(), "to", next.String())
	}
}

// Observe feeds the result of a read-path store call into the state
// machine. An unavailable store moves to Degraded; the first success while
// degraded runs reconciliation.
func (m *Monitor) Observe(ctx context.Context, err error) {
	if models.IsStoreUnavailable(err) {
		m.setMode(Degraded)
		return
	}
	if err == nil && m.Mode() == Degraded {
		if _, rerr := m.Reconcile(ctx); rerr != nil {
			m.logger.Warn("reconcile after reconnect failed", "error", rerr)
		}
	}
}

// RecordFailedWrite stores a pending-write marker for a write that failed
// with models.StoreUnavailableError. Other errors are ignored.
func (m *Monitor) RecordFailedWrite(ctx context.Context, op models.WriteOp, rideID, driverID string, err error) {
	if !models.IsStoreUnavailable(err) {
		return
	}
	m.setMode(Degraded)
	w := models.PendingWrite{RideID: rideID, DriverID: driverID, Op: op, AttemptedAt: m.clock.Now()}
	if perr := m.pending.AddPendingWrite(ctx, w); perr != nil {
		m.logger.Error("persist pending write failed", "ride_id", rideID, "op", op, "error", perr)
		return
	}
	observability.PendingWritesTotal.WithLabelValues("recorded").Inc()
}

// Reconcile resolves every pending-write marker against the store.
func (m *Monitor) Reconcile(ctx context.Context) (Report, error) {
	m.recon.Lock()
	defer m.recon.Unlock()

	var rep Report
	if err := m.store.Ping(ctx); err != nil {
		m.setMode(Degraded)
		return rep, err
	}
	m.setMode(Reconciling)

	writes, err := m.pending.PendingWrites(ctx)
	if err != nil {
		m.setMode(Degraded)
		return rep, fmt.Errorf("load pending writes: %w", err)
	}
	for _, w := range writes {
		res, err := m.resolve(ctx, w)
		if err != nil {
			m.setMode(Degraded)
			return rep, err
		}
		if err := m.pending.RemovePendingWrite(ctx, w.RideID, w.Op); err != nil {
			m.logger.Error("clear pending write failed", "ride_id", w.RideID, "op", w.Op, "error", err)
		}
		if res.Applied {
			observability.PendingWritesTotal.WithLabelValues("resolved").Inc()
			rep.Resolved = append(rep.Resolved, res)
			continue
		}
		observability.PendingWritesTotal.WithLabelValues("unresolved").Inc()
		rep.Unresolved = append(rep.Unresolved, res)
		m.logger.Warn("pending write not applied by store", "ride_id", w.RideID, "driver_id", w.DriverID, "op", w.Op, "status", res.Ride.Status)
		if m.OnUnresolved != nil {
			m.OnUnresolved(res)
		}
	}
	m.setMode(Online)
	return rep, nil
}

func (m *Monitor) resolve(ctx context.Context, w models.PendingWrite) (Resolution, error) {
	res := Resolution{Write: w}
	r, err := m.store.GetRide(ctx, w.RideID)
	if models.IsNotFound(err) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Ride = r
	mine := w.DriverID != "" && r.SelectedDriverID == w.DriverID
	cancelledByMe := w.DriverID != "" && r.CancelledBy == w.DriverID

	switch w.Op {
	case models.OpSubmitBid:
		bids, err := m.store.ListBids(ctx, w.RideID)
		if err != nil {
			return res, err
		}
		for _, b := range bids {
			if b.DriverID == w.DriverID {
				res.Applied = true
			}
		}
	case models.OpAcceptRide:
		res.Applied = (mine && r.Status.Assigned()) || cancelledByMe
	case models.OpStartRide:
		res.Applied = (mine || cancelledByMe) && r.StartedAt != nil
	case models.OpCompleteRide:
		res.Applied = mine && r.Status == models.RideCompleted
	case models.OpCancelRide:
		res.Applied = r.Status == models.RideCancelled && cancelledByMe
	}
	return res, nil
}

// Run probes the store every interval while degraded and reconciles once
// it answers.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	t := m.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if m.Mode() == Online {
			continue
		}
		if _, err := m.Reconcile(ctx); err != nil {
			m.logger.Debug("store still unreachable", "error", err)
		}
	}
}

// WriteRecorder is the slice of Monitor used by write paths.
type WriteRecorder interface {
	RecordFailedWrite(ctx context.Context, op models.WriteOp, rideID, driverID string, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordFailedWrite(context.Context, models.WriteOp, string, string, error) {}

// Nop discards failed writes.
func Nop() WriteRecorder { return nopRecorder{} }
