// Package registry tracks live client connections and fans alerts out to the
// ones whose location bucket or crop matches.
//
// All index state is guarded by a single mutex. Broadcasts snapshot the
// matching connections under the lock and send after releasing it, so a slow
// client never blocks connects or disconnects. A connection whose send fails
// is disconnected.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ReasonFarmDeleted is the close reason used by DisconnectByRecipientAndLocation.
const ReasonFarmDeleted = "Farm deleted"

const defaultSendTimeout = 5 * time.Second

// ErrUnknownConnection is returned when a connection id is not registered.
var ErrUnknownConnection = errors.New("unknown connection")

// Conn is a bidirectional message channel to one client.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Close(reason string) error
}

// Mirror stores subscriptions outside the process so a monitor on any
// instance can find them.
type Mirror interface {
	Put(ctx context.Context, sub domain.Subscription) error
	Remove(ctx context.Context, connID string) error
}

// ConnectRequest describes what a new connection subscribes to. Lat and Lon
// are either both set or both ignored.
type ConnectRequest struct {
	RecipientID string
	Lat, Lon    *float64
	Crop        string
	Label       string
}

// Options tunes a Registry. Zero values select defaults.
type Options struct {
	Resolution  float64       // bucket grid size in degrees
	SendTimeout time.Duration // per-connection send bound
}

type entry struct {
	conn        Conn
	sub         domain.Subscription
	hasLocation bool
	buckets     map[string]point // bucket -> first coordinate subscribed in it
	crops       map[string]struct{}
}

type point struct{ lat, lon float64 }

// Registry is the in-process connection table.
type Registry struct {
	mirror      Mirror
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *observability.Metrics
	resolution  float64
	sendTimeout time.Duration

	mu         sync.Mutex
	conns      map[string]*entry
	byLocation map[string]map[string]struct{}
	byCrop     map[string]map[string]struct{}
}

// New creates an empty registry.
func New(mirror Mirror, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Registry {
	if opts.Resolution <= 0 {
		opts.Resolution = domain.DefaultBucketResolution
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	return &Registry{
		mirror:      mirror,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		resolution:  opts.Resolution,
		sendTimeout: opts.SendTimeout,
		conns:       make(map[string]*entry),
		byLocation:  make(map[string]map[string]struct{}),
		byCrop:      make(map[string]map[string]struct{}),
	}
}

// Bucket returns the location index key for a coordinate.
func (r *Registry) Bucket(lat, lon float64) string {
	return domain.Bucket(lat, lon, r.resolution)
}

// Connect registers conn and files it under the requested location and crop.
// A subscription with coordinates is mirrored; mirror failures are logged and
// do not fail the connect.
func (r *Registry) Connect(ctx context.Context, conn Conn, req ConnectRequest) string {
	id := uuid.NewString()
	e := &entry{
		conn: conn,
		sub: domain.Subscription{
			ConnectionID: id,
			RecipientID:  req.RecipientID,
			Crop:         req.Crop,
			Label:        req.Label,
			CreatedAt:    r.clock.Now().UTC(),
		},
		buckets: make(map[string]point),
		crops:   make(map[string]struct{}),
	}
	if req.Lat != nil && req.Lon != nil {
		e.hasLocation = true
		e.sub.Lat, e.sub.Lon = *req.Lat, *req.Lon
	}

	r.mu.Lock()
	r.conns[id] = e
	if e.hasLocation {
		r.addLocation(id, e, e.sub.Lat, e.sub.Lon)
	}
	if crop := domain.NormalizeCrop(req.Crop); crop != "" {
		r.addCrop(id, e, crop)
	}
	sub := e.sub
	total := len(r.conns)
	r.mu.Unlock()

	r.metrics.ActiveConnections.Inc()
	if e.hasLocation {
		r.putMirror(ctx, sub)
	}
	r.logger.Info("connection registered",
		"connection_id", id,
		"user_id", req.RecipientID,
		"crop", req.Crop,
		"total", total,
	)
	return id
}

// Disconnect removes the connection from every index, deletes its mirror and
// closes it. It reports whether the connection was registered; calling it
// again is a no-op.
func (r *Registry) Disconnect(ctx context.Context, id string) bool {
	return r.disconnect(ctx, id, "")
}

func (r *Registry) disconnect(ctx context.Context, id, reason string) bool {
	r.mu.Lock()
	e, ok := r.conns[id]
	if ok {
		r.removeLocked(id, e)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.metrics.ActiveConnections.Dec()
	if err := r.mirror.Remove(ctx, id); err != nil {
		r.logger.Warn("remove subscription mirror failed", "connection_id", id, "error", err)
	}
	if err := e.conn.Close(reason); err != nil {
		r.logger.Debug("close connection", "connection_id", id, "error", err)
	}
	r.logger.Info("connection removed", "connection_id", id, "total", total)
	return true
}

// SubscribeLocation adds a location bucket to a live connection. The first
// location of a connection that had none becomes its mirrored subscription.
func (r *Registry) SubscribeLocation(ctx context.Context, id string, lat, lon float64) error {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	r.addLocation(id, e, lat, lon)
	mirror := !e.hasLocation
	if mirror {
		e.hasLocation = true
		e.sub.Lat, e.sub.Lon = lat, lon
	}
	sub := e.sub
	r.mu.Unlock()

	if mirror {
		r.putMirror(ctx, sub)
	}
	return nil
}

// UnsubscribeLocation removes a location bucket from a live connection. When
// the bucket held the mirrored subscription, the mirror moves to one of the
// remaining buckets, or is removed when none remain.
func (r *Registry) UnsubscribeLocation(ctx context.Context, id string, lat, lon float64) error {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	bucket := r.Bucket(lat, lon)
	if _, ok := e.buckets[bucket]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(e.buckets, bucket)
	removeFrom(r.byLocation, bucket, id)

	mirrored := e.hasLocation && r.Bucket(e.sub.Lat, e.sub.Lon) == bucket
	if mirrored {
		e.hasLocation = false
		if keys := sortedKeys(e.buckets); len(keys) > 0 {
			p := e.buckets[keys[0]]
			e.hasLocation = true
			e.sub.Lat, e.sub.Lon = p.lat, p.lon
		}
	}
	sub, moved := e.sub, e.hasLocation
	r.mu.Unlock()

	switch {
	case !mirrored:
	case moved:
		r.putMirror(ctx, sub)
	default:
		if err := r.mirror.Remove(ctx, id); err != nil {
			r.logger.Warn("remove subscription mirror failed", "connection_id", id, "error", err)
		}
	}
	return nil
}

// SubscribeCrop adds a crop to a live connection, case-insensitively.
func (r *Registry) SubscribeCrop(id, crop string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	if key := domain.NormalizeCrop(crop); key != "" {
		r.addCrop(id, e, key)
	}
	return nil
}

// UnsubscribeCrop removes a crop from a live connection.
func (r *Registry) UnsubscribeCrop(id, crop string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	key := domain.NormalizeCrop(crop)
	delete(e.crops, key)
	removeFrom(r.byCrop, key, id)
	return nil
}

// DisconnectByRecipientAndLocation closes every connection of recipient whose
// subscription falls in the bucket of (lat, lon), optionally only those for
// crop. It returns the number of connections closed.
func (r *Registry) DisconnectByRecipientAndLocation(ctx context.Context, recipient string, lat, lon float64, crop string) int {
	bucket := r.Bucket(lat, lon)
	cropKey := domain.NormalizeCrop(crop)

	r.mu.Lock()
	var ids []string
	for id, e := range r.conns {
		if e.sub.RecipientID != recipient || !e.hasLocation {
			continue
		}
		if r.Bucket(e.sub.Lat, e.sub.Lon) != bucket {
			continue
		}
		if cropKey != "" && domain.NormalizeCrop(e.sub.Crop) != cropKey {
			continue
		}
		ids = append(ids, id)
	}
	r.mu.Unlock()

	closed := 0
	for _, id := range ids {
		if r.disconnect(ctx, id, ReasonFarmDeleted) {
			closed++
		}
	}
	if closed > 0 {
		r.logger.Info("closed connections for deleted farm", "user_id", recipient, "bucket", bucket, "count", closed)
	}
	return closed
}

// Subscription returns the subscription recorded for a live connection.
func (r *Registry) Subscription(id string) (domain.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return domain.Subscription{}, false
	}
	return e.sub, true
}

// Stats summarises the registry.
type Stats struct {
	TotalConnections      int      `json:"total_connections"`
	LocationSubscriptions int      `json:"location_subscriptions"`
	CropSubscriptions     int      `json:"crop_subscriptions"`
	Locations             []string `json:"locations"`
	Crops                 []string `json:"crops"`
}

// Stats returns connection counts and the indexed keys, sorted.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		TotalConnections:      len(r.conns),
		LocationSubscriptions: len(r.byLocation),
		CropSubscriptions:     len(r.byCrop),
		Locations:             sortedKeys(r.byLocation),
		Crops:                 sortedKeys(r.byCrop),
	}
}

func (r *Registry) putMirror(ctx context.Context, sub domain.Subscription) {
	if err := r.mirror.Put(ctx, sub); err != nil {
		r.logger.Warn("mirror subscription failed", "connection_id", sub.ConnectionID, "error", err)
	}
}

// addLocation, addCrop and removeLocked keep the per-connection key sets and
// the index maps symmetric. Callers hold r.mu.
func (r *Registry) addLocation(id string, e *entry, lat, lon float64) {
	bucket := r.Bucket(lat, lon)
	if _, ok := e.buckets[bucket]; !ok {
		e.buckets[bucket] = point{lat: lat, lon: lon}
	}
	addTo(r.byLocation, bucket, id)
}

func (r *Registry) addCrop(id string, e *entry, crop string) {
	e.crops[crop] = struct{}{}
	addTo(r.byCrop, crop, id)
}

func (r *Registry) removeLocked(id string, e *entry) {
	for bucket := range e.buckets {
		removeFrom(r.byLocation, bucket, id)
	}
	for crop := range e.crops {
		removeFrom(r.byCrop, crop, id)
	}
	delete(r.conns, id)
}

func addTo(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
