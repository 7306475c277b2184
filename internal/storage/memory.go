package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-bidding/internal/models"
)

// MemoryStore is an in-process Store. One mutex serializes every write, which
// gives the same first-committer-wins behaviour as the conditional updates in
// PostgresStore.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.RideRequest
	bids    map[string]map[string]*models.Bid // ride -> driver -> bid
	timers  map[string]*models.BidTimer
	history map[string]models.HistoryEntry
	stats   map[string]*models.DriverStats
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.RideRequest),
		bids:    make(map[string]map[string]*models.Bid),
		timers:  make(map[string]*models.BidTimer),
		history: make(map[string]models.HistoryEntry),
		stats:   make(map[string]*models.DriverStats),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) CreateRide(ctx context.Context, ride models.RideRequest, timer models.BidTimer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[ride.ID]; ok {
		return models.ConflictError{Msg: "ride " + ride.ID + " already exists"}
	}
	r := ride
	m.rides[ride.ID] = &r
	t := timer
	m.timers[ride.ID] = &t
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, rideID string) (models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[rideID]
	if !ok {
		return models.RideRequest{}, models.NotFoundError{Resource: "ride", ID: rideID}
	}
	return *r, nil
}

func (m *MemoryStore) EnsureTimer(ctx context.Context, rideID string, startedAt time.Time, d time.Duration) (models.BidTimer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[rideID]; !ok {
		return models.BidTimer{}, models.NotFoundError{Resource: "ride", ID: rideID}
	}
	if t, ok := m.timers[rideID]; ok {
		return *t, nil
	}
	t := models.NewBidTimer(rideID, startedAt, d)
	m.timers[rideID] = &t
	return t, nil
}

func (m *MemoryStore) GetTimer(ctx context.Context, rideID string) (models.BidTimer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.timers[rideID]
	if !ok {
		return models.BidTimer{}, models.NotFoundError{Resource: "bid timer", ID: rideID}
	}
	return *t, nil
}

// openLocked checks the bidding guards shared by UpsertBid and AcceptRide.
func (m *MemoryStore) openLocked(rideID string, now time.Time) (*models.RideRequest, error) {
	r, ok := m.rides[rideID]
	if !ok {
		return nil, models.NotFoundError{Resource: "ride", ID: rideID}
	}
	if r.Status != models.RidePending {
		return nil, models.ConflictError{Msg: models.MsgAlreadyAssigned}
	}
	if t, ok := m.timers[rideID]; ok && t.Expired(now) {
		return nil, models.ConflictError{Msg: models.MsgWindowExpired}
	}
	return r, nil
}

func (m *MemoryStore) UpsertBid(ctx context.Context, rideID, driverID string, amount float64, now time.Time) (models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.openLocked(rideID, now); err != nil {
		return models.Bid{}, err
	}
	byDriver := m.bids[rideID]
	if byDriver == nil {
		byDriver = make(map[string]*models.Bid)
		m.bids[rideID] = byDriver
	}
	if b, ok := byDriver[driverID]; ok {
		b.Amount = amount
		b.Status = models.BidPending
		b.UpdatedAt = now
		return *b, nil
	}
	b := &models.Bid{ID: uuid.NewString(), RideID: rideID, DriverID: driverID, Amount: amount, Status: models.BidPending, CreatedAt: now, UpdatedAt: now}
	byDriver[driverID] = b
	return *b, nil
}

func (m *MemoryStore) ListBids(ctx context.Context, rideID string) ([]models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.rides[rideID]; !ok {
		return nil, models.NotFoundError{Resource: "ride", ID: rideID}
	}
	out := make([]models.Bid, 0, len(m.bids[rideID]))
	for _, b := range m.bids[rideID] {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) driverBusyLocked(driverID string) bool {
	for _, r := range m.rides {
		if r.SelectedDriverID == driverID && r.Status.Active() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) AcceptRide(ctx context.Context, p AcceptParams) (models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.openLocked(p.RideID, p.Now)
	if err != nil {
		return models.RideRequest{}, err
	}
	if m.driverBusyLocked(p.DriverID) {
		return models.RideRequest{}, models.ConflictError{Msg: models.MsgDriverBusy}
	}

	now := p.Now
	r.Status = models.RideConfirmed
	r.SelectedDriverID = p.DriverID
	r.FinalFare = p.Fare
	r.AcceptedAt = &now
	if r.OTP == "" {
		r.OTP = p.OTP
	}

	byDriver := m.bids[p.RideID]
	if byDriver == nil {
		byDriver = make(map[string]*models.Bid)
		m.bids[p.RideID] = byDriver
	}
	for driver, b := range byDriver {
		if driver != p.DriverID {
			b.Status = models.BidCancelled
			b.UpdatedAt = now
		}
	}
	if b, ok := byDriver[p.DriverID]; ok {
		b.Status = models.BidAccepted
		b.UpdatedAt = now
	} else {
		id := p.BidID
		if id == "" {
			id = uuid.NewString()
		}
		byDriver[p.DriverID] = &models.Bid{ID: id, RideID: p.RideID, DriverID: p.DriverID, Amount: p.Fare, Status: models.BidAccepted, CreatedAt: now, UpdatedAt: now}
	}
	if t, ok := m.timers[p.RideID]; ok {
		t.Status = models.TimerExpired
	}
	return *r, nil
}

func (m *MemoryStore) ExpireRide(ctx context.Context, rideID string, now time.Time, reason string) (models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return models.RideRequest{}, models.NotFoundError{Resource: "ride", ID: rideID}
	}
	if r.Status != models.RidePending {
		return models.RideRequest{}, models.ConflictError{Msg: "ride is no longer pending"}
	}
	t, ok := m.timers[rideID]
	if ok && !t.Expired(now) {
		return models.RideRequest{}, models.ConflictError{Msg: "bidding window still open"}
	}
	r.Status = models.RideCancelled
	r.CancelledAt = &now
	r.CancelReason = reason
	if ok {
		t.Status = models.TimerExpired
	}
	for _, b := range m.bids[rideID] {
		b.Status = models.BidCancelled
		b.UpdatedAt = now
	}
	return *r, nil
}

func (m *MemoryStore) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []*models.BidTimer
	for id, t := range m.timers {
		if r, ok := m.rides[id]; ok && r.Status == models.RidePending && t.Expired(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]string, len(due))
	for i, t := range due {
		out[i] = t.RideID
	}
	return out, nil
}

func (m *MemoryStore) StartRide(ctx context.Context, rideID, driverID string, now time.Time) (models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return models.RideRequest{}, models.NotFoundError{Resource: "ride", ID: rideID}
	}
	if r.Status != models.RideConfirmed || r.SelectedDriverID != driverID {
		return models.RideRequest{}, models.ConflictError{Msg: "ride is not confirmed for driver " + driverID}
	}
	r.Status = models.RideInProgress
	r.StartedAt = &now
	return *r, nil
}

func (m *MemoryStore) CompleteRide(ctx context.Context, p CompleteParams) (models.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[p.RideID]
	if !ok {
		return models.HistoryEntry{}, models.NotFoundError{Resource: "ride", ID: p.RideID}
	}
	if r.Status != models.RideInProgress || r.SelectedDriverID != p.DriverID {
		return models.HistoryEntry{}, models.ConflictError{Msg: "ride is not in progress for driver " + p.DriverID}
	}
	now := p.Now
	r.Status = models.RideCompleted
	r.CompletedAt = &now

	h := historyFor(*r, p.Earnings(r.FinalFare), now)
	m.history[r.ID] = h
	st := m.stats[p.DriverID]
	if st == nil {
		st = &models.DriverStats{DriverID: p.DriverID}
		m.stats[p.DriverID] = st
	}
	st.TotalRides++
	st.TotalEarnings += h.Earnings
	return h, nil
}

func (m *MemoryStore) CancelRide(ctx context.Context, rideID, driverID, reason string, now time.Time) (models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return models.RideRequest{}, models.NotFoundError{Resource: "ride", ID: rideID}
	}
	if !r.Status.Active() || r.SelectedDriverID != driverID {
		return models.RideRequest{}, models.ConflictError{Msg: "ride cannot be cancelled from status " + string(r.Status)}
	}
	r.Status = models.RideCancelled
	r.CancelledAt = &now
	r.CancelReason = reason
	r.CancelledBy = driverID
	r.SelectedDriverID = ""
	return *r, nil
}

func (m *MemoryStore) HistoryEntry(ctx context.Context, rideID string) (models.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.history[rideID]
	if !ok {
		return models.HistoryEntry{}, models.NotFoundError{Resource: "history entry", ID: rideID}
	}
	return h, nil
}

func (m *MemoryStore) DriverHistory(ctx context.Context, driverID string, limit int) ([]models.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.HistoryEntry
	for _, h := range m.history {
		if h.DriverID == driverID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DriverStats(ctx context.Context, driverID string) (models.DriverStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.stats[driverID]; ok {
		return *st, nil
	}
	return models.DriverStats{DriverID: driverID}, nil
}
