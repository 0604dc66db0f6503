package registry

import (
	"context"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
)

type target struct {
	id   string
	conn Conn
}

// BroadcastToLocation sends msg to every connection subscribed to the bucket
// of (lat, lon) and returns the number of successful deliveries.
func (r *Registry) BroadcastToLocation(ctx context.Context, lat, lon float64, msg []byte) int {
	bucket := r.Bucket(lat, lon)

	r.mu.Lock()
	targets := r.snapshotLocked(r.byLocation[bucket])
	r.mu.Unlock()

	return r.send(ctx, targets, msg)
}

// BroadcastToCrop sends msg to every connection subscribed to crop.
func (r *Registry) BroadcastToCrop(ctx context.Context, crop string, msg []byte) int {
	key := domain.NormalizeCrop(crop)

	r.mu.Lock()
	targets := r.snapshotLocked(r.byCrop[key])
	r.mu.Unlock()

	return r.send(ctx, targets, msg)
}

// BroadcastToAll sends msg to every registered connection.
func (r *Registry) BroadcastToAll(ctx context.Context, msg []byte) int {
	r.mu.Lock()
	targets := make([]target, 0, len(r.conns))
	for id, e := range r.conns {
		targets = append(targets, target{id: id, conn: e.conn})
	}
	r.mu.Unlock()

	return r.send(ctx, targets, msg)
}

// BroadcastToMatching delivers the envelope payload once to each connection
// subscribed to the envelope's location bucket or crop.
func (r *Registry) BroadcastToMatching(ctx context.Context, env domain.Envelope) int {
	bucket := r.Bucket(env.Lat, env.Lon)
	crop := domain.NormalizeCrop(env.Crop)

	r.mu.Lock()
	union := make(map[string]struct{}, len(r.byLocation[bucket]))
	for id := range r.byLocation[bucket] {
		union[id] = struct{}{}
	}
	if crop != "" {
		for id := range r.byCrop[crop] {
			union[id] = struct{}{}
		}
	}
	targets := r.snapshotLocked(union)
	r.mu.Unlock()

	if len(targets) == 0 {
		return 0
	}
	r.logger.Debug("broadcasting alert to matching connections", "bucket", bucket, "crop", crop, "count", len(targets))
	return r.send(ctx, targets, env.Data)
}

// snapshotLocked resolves ids to connections. Callers hold r.mu.
func (r *Registry) snapshotLocked(ids map[string]struct{}) []target {
	targets := make([]target, 0, len(ids))
	for id := range ids {
		if e, ok := r.conns[id]; ok {
			targets = append(targets, target{id: id, conn: e.conn})
		}
	}
	return targets
}

// send delivers msg to each target outside the lock. Failed targets are
// disconnected.
func (r *Registry) send(ctx context.Context, targets []target, msg []byte) int {
	delivered := 0
	for _, t := range targets {
		sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
		err := t.conn.Send(sendCtx, msg)
		cancel()

		if err != nil {
			r.logger.Warn("send failed, disconnecting", "connection_id", t.id, "error", err)
			r.metrics.BroadcastFailures.Inc()
			r.Disconnect(context.WithoutCancel(ctx), t.id)
			continue
		}
		delivered++
	}
	r.metrics.BroadcastDeliveries.Add(float64(delivered))
	return delivered
}
