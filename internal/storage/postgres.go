package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/ride-bidding/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const rideColumns = `id, customer_ref, customer_name, customer_phone,
	pickup_address, pickup_lat, pickup_lon, drop_address, drop_lat, drop_lon,
	distance_km, estimated_fare, final_fare, status, selected_driver_id, otp,
	created_at, accepted_at, started_at, completed_at, cancelled_at, cancel_reason, cancelled_by`

const historyColumns = `ride_id, driver_id, customer_ref, pickup_address, drop_address,
	distance_km, final_fare, earnings, completed_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, classify("migrate", err))
		}
	}
	return names, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return classify("ping", p.db.PingContext(ctx))
}

func (p *PostgresStore) CreateRide(ctx context.Context, r models.RideRequest, t models.BidTimer) error {
	return p.inTx(ctx, "create ride", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO rides (id, customer_ref, customer_name, customer_phone,
			pickup_address, pickup_lat, pickup_lon, drop_address, drop_lat, drop_lon,
			distance_km, estimated_fare, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			r.ID, r.CustomerRef, r.CustomerName, r.CustomerPhone,
			r.Pickup.Address, r.Pickup.Coord.Lat, r.Pickup.Coord.Lon, r.Drop.Address, r.Drop.Coord.Lat, r.Drop.Coord.Lon,
			r.DistanceKm, r.EstimatedFare, string(models.RidePending), r.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return models.ConflictError{Msg: "ride " + r.ID + " already exists"}
			}
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO bid_timers (ride_id, started_at, duration_ms, expires_at, status)
			VALUES ($1,$2,$3,$4,$5)`, t.RideID, t.StartedAt, t.Duration.Milliseconds(), t.ExpiresAt, string(t.Status))
		return err
	})
}

func (p *PostgresStore) GetRide(ctx context.Context, rideID string) (models.RideRequest, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, models.NotFoundError{Resource: "ride", ID: rideID}
	}
	if err != nil {
		return models.RideRequest{}, classify("get ride", err)
	}
	return r, nil
}

func (p *PostgresStore) EnsureTimer(ctx context.Context, rideID string, startedAt time.Time, d time.Duration) (models.BidTimer, error) {
	t := models.NewBidTimer(rideID, startedAt, d)
	_, err := p.db.ExecContext(ctx, `INSERT INTO bid_timers (ride_id, started_at, duration_ms, expires_at, status)
		VALUES ($1,$2,$3,$4,$5) ON CONFLICT (ride_id) DO NOTHING`,
		rideID, t.StartedAt, d.Milliseconds(), t.ExpiresAt, string(t.Status))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return models.BidTimer{}, models.NotFoundError{Resource: "ride", ID: rideID}
		}
		return models.BidTimer{}, classify("ensure timer", err)
	}
	return p.GetTimer(ctx, rideID)
}

func (p *PostgresStore) GetTimer(ctx context.Context, rideID string) (models.BidTimer, error) {
	t, err := scanTimer(p.db.QueryRowContext(ctx,
		`SELECT ride_id, started_at, duration_ms, expires_at, status FROM bid_timers WHERE ride_id = $1`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.BidTimer{}, models.NotFoundError{Resource: "bid timer", ID: rideID}
	}
	if err != nil {
		return models.BidTimer{}, classify("get timer", err)
	}
	return t, nil
}

// openGuard is true while the ride may still take bids or an acceptance.
// A ride without a timer row has no window restriction.
const openGuard = `r.status = 'pending' AND NOT EXISTS (
	SELECT 1 FROM bid_timers t WHERE t.ride_id = r.id AND (t.status = 'expired' OR t.expires_at <= $%d))`

func (p *PostgresStore) UpsertBid(ctx context.Context, rideID, driverID string, amount float64, now time.Time) (models.Bid, error) {
	var b models.Bid
	err := p.inTx(ctx, "upsert bid", func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT r.status FROM rides r WHERE r.id = $1 AND `+fmt.Sprintf(openGuard, 2)+` FOR UPDATE`,
			rideID, now).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return p.explainClosed(ctx, tx, rideID, now)
		}
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `INSERT INTO bids (id, ride_id, driver_id, amount, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,'pending',$5,$5)
			ON CONFLICT (ride_id, driver_id) DO UPDATE SET amount = EXCLUDED.amount, status = 'pending', updated_at = EXCLUDED.updated_at
			RETURNING id, ride_id, driver_id, amount, status, created_at, updated_at`,
			uuid.NewString(), rideID, driverID, amount, now)
		b, err = scanBid(row)
		return err
	})
	return b, err
}

func (p *PostgresStore) ListBids(ctx context.Context, rideID string) ([]models.Bid, error) {
	if _, err := p.GetRide(ctx, rideID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, driver_id, amount, status, created_at, updated_at
		FROM bids WHERE ride_id = $1 ORDER BY created_at`, rideID)
	if err != nil {
		return nil, classify("list bids", err)
	}
	defer rows.Close()
	var out []models.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, classify("list bids", err)
		}
		out = append(out, b)
	}
	return out, classify("list bids", rows.Err())
}

// AcceptRide is a single conditional UPDATE guarded on status = 'pending'.
// Concurrent callers serialize on the row lock; the loser re-evaluates the
// guard against the committed row and matches nothing. Sibling bid
// cancellation commits in the same transaction.
func (p *PostgresStore) AcceptRide(ctx context.Context, a AcceptParams) (models.RideRequest, error) {
	var out models.RideRequest
	err := p.inTx(ctx, "accept ride", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `UPDATE rides r SET status = 'confirmed', selected_driver_id = $2,
			final_fare = $3, otp = COALESCE(r.otp, $4), accepted_at = $5
			WHERE r.id = $1 AND `+fmt.Sprintf(openGuard, 5)+`
			AND NOT EXISTS (SELECT 1 FROM rides o WHERE o.selected_driver_id = $2 AND o.status IN ('confirmed','in_progress'))
			RETURNING `+rideColumns,
			a.RideID, a.DriverID, a.Fare, a.OTP, a.Now)
		r, err := scanRide(row)
		if errors.Is(err, sql.ErrNoRows) {
			if err := p.explainClosed(ctx, tx, a.RideID, a.Now); err != nil {
				return err
			}
			return models.ConflictError{Msg: models.MsgDriverBusy}
		}
		if err != nil {
			if isUniqueViolation(err) {
				return models.ConflictError{Msg: models.MsgDriverBusy}
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE bids SET status = 'cancelled', updated_at = $3
			WHERE ride_id = $1 AND driver_id <> $2 AND status <> 'cancelled'`, a.RideID, a.DriverID, a.Now); err != nil {
			return err
		}
		bidID := a.BidID
		if bidID == "" {
			bidID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO bids (id, ride_id, driver_id, amount, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,'accepted',$5,$5)
			ON CONFLICT (ride_id, driver_id) DO UPDATE SET status = 'accepted', updated_at = EXCLUDED.updated_at`,
			bidID, a.RideID, a.DriverID, a.Fare, a.Now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE bid_timers SET status = 'expired' WHERE ride_id = $1`, a.RideID); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// explainClosed turns a guard miss into the matching domain error. It
// returns nil when the ride is still open, leaving the caller to report
// its own guard.
func (p *PostgresStore) explainClosed(ctx context.Context, tx *sql.Tx, rideID string, now time.Time) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM rides WHERE id = $1`, rideID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotFoundError{Resource: "ride", ID: rideID}
	}
	if err != nil {
		return err
	}
	if models.RideStatus(status) != models.RidePending {
		return models.ConflictError{Msg: models.MsgAlreadyAssigned}
	}
	var expired bool
	err = tx.QueryRowContext(ctx, `SELECT status = 'expired' OR expires_at <= $2 FROM bid_timers WHERE ride_id = $1`,
		rideID, now).Scan(&expired)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if expired {
		return models.ConflictError{Msg: models.MsgWindowExpired}
	}
	return nil
}

func (p *PostgresStore) ExpireRide(ctx context.Context, rideID string, now time.Time, reason string) (models.RideRequest, error) {
	var out models.RideRequest
	err := p.inTx(ctx, "expire ride", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `UPDATE rides r SET status = 'cancelled', cancelled_at = $2, cancel_reason = $3
			WHERE r.id = $1 AND r.status = 'pending' AND NOT EXISTS (
				SELECT 1 FROM bid_timers t WHERE t.ride_id = r.id AND t.status = 'active' AND t.expires_at > $2)
			RETURNING `+rideColumns, rideID, now, reason)
		r, err := scanRide(row)
		if errors.Is(err, sql.ErrNoRows) {
			return p.transitionMiss(ctx, tx, rideID, "ride is no longer pending or its window is still open")
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE bid_timers SET status = 'expired' WHERE ride_id = $1`, rideID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE bids SET status = 'cancelled', updated_at = $2
			WHERE ride_id = $1 AND status <> 'cancelled'`, rideID, now); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (p *PostgresStore) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT r.id FROM rides r JOIN bid_timers t ON t.ride_id = r.id
		WHERE r.status = 'pending' AND (t.status = 'expired' OR t.expires_at <= $1)
		ORDER BY t.expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, classify("expired pending", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("expired pending", err)
		}
		out = append(out, id)
	}
	return out, classify("expired pending", rows.Err())
}

func (p *PostgresStore) StartRide(ctx context.Context, rideID, driverID string, now time.Time) (models.RideRequest, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE rides SET status = 'in_progress', started_at = $3
		WHERE id = $1 AND status = 'confirmed' AND selected_driver_id = $2
		RETURNING `+rideColumns, rideID, driverID, now))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, p.transitionMiss(ctx, nil, rideID, "ride is not confirmed for driver "+driverID)
	}
	if err != nil {
		return models.RideRequest{}, classify("start ride", err)
	}
	return r, nil
}

func (p *PostgresStore) CompleteRide(ctx context.Context, c CompleteParams) (models.HistoryEntry, error) {
	var h models.HistoryEntry
	err := p.inTx(ctx, "complete ride", func(tx *sql.Tx) error {
		r, err := scanRide(tx.QueryRowContext(ctx, `UPDATE rides SET status = 'completed', completed_at = $3
			WHERE id = $1 AND status = 'in_progress' AND selected_driver_id = $2
			RETURNING `+rideColumns, c.RideID, c.DriverID, c.Now))
		if errors.Is(err, sql.ErrNoRows) {
			return p.transitionMiss(ctx, tx, c.RideID, "ride is not in progress for driver "+c.DriverID)
		}
		if err != nil {
			return err
		}
		h = historyFor(r, c.Earnings(r.FinalFare), c.Now)
		if _, err := tx.ExecContext(ctx, `INSERT INTO ride_history (`+historyColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			h.RideID, h.DriverID, h.CustomerRef, h.PickupAddr, h.DropAddr, h.DistanceKm, h.FinalFare, h.Earnings, h.CompletedAt); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO driver_stats (driver_id, total_rides, total_earnings) VALUES ($1, 1, $2)
			ON CONFLICT (driver_id) DO UPDATE SET total_rides = driver_stats.total_rides + 1,
			total_earnings = driver_stats.total_earnings + EXCLUDED.total_earnings`, h.DriverID, h.Earnings)
		return err
	})
	return h, err
}

func (p *PostgresStore) CancelRide(ctx context.Context, rideID, driverID, reason string, now time.Time) (models.RideRequest, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE rides SET status = 'cancelled', cancelled_at = $3, cancel_reason = $4,
			cancelled_by = selected_driver_id, selected_driver_id = NULL
		WHERE id = $1 AND selected_driver_id = $2 AND status IN ('confirmed','in_progress')
		RETURNING `+rideColumns, rideID, driverID, now, reason))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, p.transitionMiss(ctx, nil, rideID, "ride cannot be cancelled by driver "+driverID)
	}
	if err != nil {
		return models.RideRequest{}, classify("cancel ride", err)
	}
	return r, nil
}

// transitionMiss distinguishes an unknown ride from a failed status guard.
func (p *PostgresStore) transitionMiss(ctx context.Context, tx *sql.Tx, rideID, msg string) error {
	q := `SELECT 1 FROM rides WHERE id = $1`
	var one int
	var err error
	if tx != nil {
		err = tx.QueryRowContext(ctx, q, rideID).Scan(&one)
	} else {
		err = p.db.QueryRowContext(ctx, q, rideID).Scan(&one)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotFoundError{Resource: "ride", ID: rideID}
	}
	if err != nil {
		return classify("lookup ride", err)
	}
	return models.ConflictError{Msg: msg}
}

func (p *PostgresStore) HistoryEntry(ctx context.Context, rideID string) (models.HistoryEntry, error) {
	h, err := scanHistory(p.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM ride_history WHERE ride_id = $1`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.HistoryEntry{}, models.NotFoundError{Resource: "history entry", ID: rideID}
	}
	if err != nil {
		return models.HistoryEntry{}, classify("get history", err)
	}
	return h, nil
}

func (p *PostgresStore) DriverHistory(ctx context.Context, driverID string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+historyColumns+` FROM ride_history
		WHERE driver_id = $1 ORDER BY completed_at DESC LIMIT $2`, driverID, limit)
	if err != nil {
		return nil, classify("driver history", err)
	}
	defer rows.Close()
	var out []models.HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, classify("driver history", err)
		}
		out = append(out, h)
	}
	return out, classify("driver history", rows.Err())
}

func (p *PostgresStore) DriverStats(ctx context.Context, driverID string) (models.DriverStats, error) {
	st := models.DriverStats{DriverID: driverID}
	err := p.db.QueryRowContext(ctx, `SELECT total_rides, total_earnings FROM driver_stats WHERE driver_id = $1`, driverID).
		Scan(&st.TotalRides, &st.TotalEarnings)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return models.DriverStats{}, classify("driver stats", err)
	}
	return st, nil
}

func (p *PostgresStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(op, err)
	}
	return classify(op, tx.Commit())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(s rowScanner) (models.RideRequest, error) {
	var (
		r                                          models.RideRequest
		status                                     string
		finalFare                                  sql.NullFloat64
		driverID, otp, reason, cancelledBy         sql.NullString
		acceptedAt, startedAt, completedAt, cancAt sql.NullTime
	)
	err := s.Scan(&r.ID, &r.CustomerRef, &r.CustomerName, &r.CustomerPhone,
		&r.Pickup.Address, &r.Pickup.Coord.Lat, &r.Pickup.Coord.Lon, &r.Drop.Address, &r.Drop.Coord.Lat, &r.Drop.Coord.Lon,
		&r.DistanceKm, &r.EstimatedFare, &finalFare, &status, &driverID, &otp,
		&r.CreatedAt, &acceptedAt, &startedAt, &completedAt, &cancAt, &reason, &cancelledBy)
	if err != nil {
		return models.RideRequest{}, err
	}
	r.Status = models.RideStatus(status)
	r.FinalFare = finalFare.Float64
	r.SelectedDriverID = driverID.String
	r.OTP = otp.String
	r.CancelReason = reason.String
	r.CancelledBy = cancelledBy.String
	r.AcceptedAt = nullTime(acceptedAt)
	r.StartedAt = nullTime(startedAt)
	r.CompletedAt = nullTime(completedAt)
	r.CancelledAt = nullTime(cancAt)
	return r, nil
}

func scanTimer(s rowScanner) (models.BidTimer, error) {
	var t models.BidTimer
	var ms int64
	var status string
	if err := s.Scan(&t.RideID, &t.StartedAt, &ms, &t.ExpiresAt, &status); err != nil {
		return models.BidTimer{}, err
	}
	t.Duration = time.Duration(ms) * time.Millisecond
	t.Status = models.TimerStatus(status)
	return t, nil
}

func scanBid(s rowScanner) (models.Bid, error) {
	var b models.Bid
	var status string
	if err := s.Scan(&b.ID, &b.RideID, &b.DriverID, &b.Amount, &status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return models.Bid{}, err
	}
	b.Status = models.BidStatus(status)
	return b, nil
}

func scanHistory(s rowScanner) (models.HistoryEntry, error) {
	var h models.HistoryEntry
	err := s.Scan(&h.RideID, &h.DriverID, &h.CustomerRef, &h.PickupAddr, &h.DropAddr,
		&h.DistanceKm, &h.FinalFare, &h.Earnings, &h.CompletedAt)
	return h, err
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
