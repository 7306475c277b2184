package localstate

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-bidding/internal/models"
)

type markerKey struct{ ride, driver string }

type pendingKey struct {
	ride string
	op   models.WriteOp
}

// Memory keeps local state in process. It does not survive restarts and is
// meant for tests and single-process runs.
type Memory struct {
	mu      sync.Mutex
	markers map[markerKey]models.NotificationMarker
	active  map[string]string
	timers  map[string]models.BidTimer
	pending map[pendingKey]models.PendingWrite
}

func NewMemory() *Memory {
	return &Memory{
		markers: make(map[markerKey]models.NotificationMarker),
		active:  make(map[string]string),
		timers:  make(map[string]models.BidTimer),
		pending: make(map[pendingKey]models.PendingWrite),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) AddMarker(ctx context.Context, mk models.NotificationMarker, capacity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[markerKey{mk.RideID, mk.DriverID}] = mk
	if capacity > 0 && len(m.markers) > capacity {
		all := m.sortedLocked()
		for _, old := range all[:len(all)-capacity] {
			delete(m.markers, markerKey{old.RideID, old.DriverID})
		}
	}
	return nil
}

func (m *Memory) HasMarker(ctx context.Context, rideID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.markers[markerKey{rideID, driverID}]
	return ok, nil
}

func (m *Memory) Markers(ctx context.Context) ([]models.NotificationMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(), nil
}

// sortedLocked returns markers oldest first.
func (m *Memory) sortedLocked() []models.NotificationMarker {
	out := make([]models.NotificationMarker, 0, len(m.markers))
	for _, mk := range m.markers {
		out = append(out, mk)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShownAt.Equal(out[j].ShownAt) {
			return out[i].RideID+out[i].DriverID < out[j].RideID+out[j].DriverID
		}
		return out[i].ShownAt.Before(out[j].ShownAt)
	})
	return out
}

func (m *Memory) RemoveMarkers(ctx context.Context, rideID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.markers {
		if k.ride == rideID {
			delete(m.markers, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) SetActiveRide(ctx context.Context, driverID, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[driverID] = rideID
	return nil
}

func (m *Memory) ActiveRide(ctx context.Context, driverID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[driverID], nil
}

func (m *Memory) ClearActiveRide(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, driverID)
	return nil
}

func (m *Memory) SaveTimer(ctx context.Context, t models.BidTimer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[t.RideID] = t
	return nil
}

func (m *Memory) LoadTimer(ctx context.Context, rideID string) (models.BidTimer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[rideID]
	return t, ok, nil
}

func (m *Memory) DeleteTimer(ctx context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, rideID)
	return nil
}

func (m *Memory) AddPendingWrite(ctx context.Context, w models.PendingWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[pendingKey{w.RideID, w.Op}] = w
	return nil
}

func (m *Memory) PendingWrites(ctx context.Context) ([]models.PendingWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PendingWrite, 0, len(m.pending))
	for _, w := range m.pending {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptedAt.Before(out[j].AttemptedAt) })
	return out, nil
}

func (m *Memory) RemovePendingWrite(ctx context.Context, rideID string, op models.WriteOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, pendingKey{rideID, op})
	return nil
}
