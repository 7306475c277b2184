package localstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-bidding/internal/models"
)

// Redis implements State on a Redis instance. Markers live in one sorted set
// scored by shown time so retention is a rank trim; timer snapshots are one
// hash per ride; pending writes and tracked active rides are single hashes.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(addr, password, prefix string) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisFromClient(c, prefix)
}

func NewRedisFromClient(c *redis.Client, prefix string) *Redis {
	return &Redis{client: c, prefix: prefix}
}

func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) markersKey() string          { return r.prefix + "notify:markers" }
func (r *Redis) activeKey() string           { return r.prefix + "driver:active" }
func (r *Redis) pendingKey() string          { return r.prefix + "pending:writes" }
func (r *Redis) timerKey(ride string) string { return r.prefix + "timer:" + ride }

func markerMember(rideID, driverID string) string { return rideID + "|" + driverID }

func parseMarkerMember(member string) (rideID, driverID string, ok bool) {
	return strings.Cut(member, "|")
}

func pendingField(rideID string, op models.WriteOp) string { return rideID + "|" + string(op) }

func (r *Redis) AddMarker(ctx context.Context, m models.NotificationMarker, capacity int) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, r.markersKey(), redis.Z{Score: float64(m.ShownAt.UnixMilli()), Member: markerMember(m.RideID, m.DriverID)})
		if capacity > 0 {
			// keep ranks [-capacity, -1], the newest entries
			pipe.ZRemRangeByRank(ctx, r.markersKey(), 0, int64(-capacity-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add marker: %w", err)
	}
	return nil
}

func (r *Redis) HasMarker(ctx context.Context, rideID, driverID string) (bool, error) {
	_, err := r.client.ZScore(ctx, r.markersKey(), markerMember(rideID, driverID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has marker: %w", err)
	}
	return true, nil
}

func (r *Redis) Markers(ctx context.Context) ([]models.NotificationMarker, error) {
	zs, err := r.client.ZRangeWithScores(ctx, r.markersKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}
	out := make([]models.NotificationMarker, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		ride, driver, ok := parseMarkerMember(member)
		if !ok {
			continue
		}
		out = append(out, models.NotificationMarker{RideID: ride, DriverID: driver, ShownAt: time.UnixMilli(int64(z.Score)).UTC()})
	}
	return out, nil
}

func (r *Redis) RemoveMarkers(ctx context.Context, rideID string) (int, error) {
	members, err := r.client.ZRange(ctx, r.markersKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("remove markers: %w", err)
	}
	var drop []any
	for _, m := range members {
		if ride, _, ok := parseMarkerMember(m); ok && ride == rideID {
			drop = append(drop, m)
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}
	n, err := r.client.ZRem(ctx, r.markersKey(), drop...).Result()
	if err != nil {
		return 0, fmt.Errorf("remove markers: %w", err)
	}
	return int(n), nil
}

func (r *Redis) SetActiveRide(ctx context.Context, driverID, rideID string) error {
	return r.client.HSet(ctx, r.activeKey(), driverID, rideID).Err()
}

func (r *Redis) ActiveRide(ctx context.Context, driverID string) (string, error) {
	v, err := r.client.HGet(ctx, r.activeKey(), driverID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *Redis) ClearActiveRide(ctx context.Context, driverID string) error {
	return r.client.HDel(ctx, r.activeKey(), driverID).Err()
}

func (r *Redis) SaveTimer(ctx context.Context, t models.BidTimer) error {
	return r.client.HSet(ctx, r.timerKey(t.RideID), timerFields(t)).Err()
}

func (r *Redis) LoadTimer(ctx context.Context, rideID string) (models.BidTimer, bool, error) {
	m, err := r.client.HGetAll(ctx, r.timerKey(rideID)).Result()
	if err != nil {
		return models.BidTimer{}, false, fmt.Errorf("load timer: %w", err)
	}
	if len(m) == 0 {
		return models.BidTimer{}, false, nil
	}
	t, err := timerFromFields(rideID, m)
	if err != nil {
		return models.BidTimer{}, false, err
	}
	return t, true, nil
}

func (r *Redis) DeleteTimer(ctx context.Context, rideID string) error {
	return r.client.Del(ctx, r.timerKey(rideID)).Err()
}

func (r *Redis) AddPendingWrite(ctx context.Context, w models.PendingWrite) error {
	b, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.pendingKey(), pendingField(w.RideID, w.Op), string(b)).Err()
}

func (r *Redis) PendingWrites(ctx context.Context) ([]models.PendingWrite, error) {
	vals, err := r.client.HVals(ctx, r.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("pending writes: %w", err)
	}
	out := make([]models.PendingWrite, 0, len(vals))
	for _, v := range vals {
		var w models.PendingWrite
		if err := json.Unmarshal([]byte(v), &w); err != nil {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (r *Redis) RemovePendingWrite(ctx context.Context, rideID string, op models.WriteOp) error {
	return r.client.HDel(ctx, r.pendingKey(), pendingField(rideID, op)).Err()
}

func timerFields(t models.BidTimer) map[string]any {
	return map[string]any{
		"started_at":  t.StartedAt.UTC().Format(time.RFC3339Nano),
		"duration_ms": strconv.FormatInt(t.Duration.Milliseconds(), 10),
		"expires_at":  t.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"status":      string(t.Status),
	}
}

func timerFromFields(rideID string, m map[string]string) (models.BidTimer, error) {
	started, err := time.Parse(time.RFC3339Nano, m["started_at"])
	if err != nil {
		return models.BidTimer{}, fmt.Errorf("timer snapshot %s: started_at: %w", rideID, err)
	}
	expires, err := time.Parse(time.RFC3339Nano, m["expires_at"])
	if err != nil {
		return models.BidTimer{}, fmt.Errorf("timer snapshot %s: expires_at: %w", rideID, err)
	}
	ms, err := strconv.ParseInt(m["duration_ms"], 10, 64)
	if err != nil {
		return models.BidTimer{}, fmt.Errorf("timer snapshot %s: duration_ms: %w", rideID, err)
	}
	return models.BidTimer{
		RideID:    rideID,
		StartedAt: started,
		Duration:  time.Duration(ms) * time.Millisecond,
		ExpiresAt: expires,
		Status:    models.TimerStatus(m["status"]),
	}, nil
}
