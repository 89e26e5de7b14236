// Package broadcast implements the Broadcast Router: subscription-filtered,
// role-signature-bucketed, field-level-filtered event delivery, plus a raw
// fan-out path for every other server-originated message type.
package broadcast

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crdtmesh/coordinator/internal/auth"
	"github.com/crdtmesh/coordinator/internal/connmgr"
	"github.com/crdtmesh/coordinator/internal/pipeline"
	"github.com/crdtmesh/coordinator/internal/transport"
	"github.com/crdtmesh/coordinator/internal/wire"
)

var (
	metricEventsRouted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_broadcast_events_routed_total",
		Help: "Events delivered to at least one subscriber.",
	})
	metricEventsFiltered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_broadcast_events_filtered_total",
		Help: "Events with no subscriber, dropped before serialization.",
	})
	metricSubscribersPerEvent = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_broadcast_subscribers_per_event",
		Help:    "Subscriber count per routed event.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(metricEventsRouted, metricEventsFiltered, metricSubscribersPerEvent)
}

// FieldFilter strips fields a principal isn't permitted to see from an
// event payload (applied to record.value / orRecord.value), once per role
// bucket using one representative session.
type FieldFilter func(principal *auth.Principal, mapName string, payload map[string]interface{}) map[string]interface{}

func passthroughFilter(_ *auth.Principal, _ string, payload map[string]interface{}) map[string]interface{} {
	return payload
}

// Router delivers server-originated messages to sessions tracked by a
// Connection Manager.
type Router struct {
	connmgr *connmgr.Manager
	filter  FieldFilter
}

func New(mgr *connmgr.Manager) *Router {
	return &Router{connmgr: mgr, filter: passthroughFilter}
}

// SetFieldFilter overrides the default passthrough field filter.
func (r *Router) SetFieldFilter(fn FieldFilter) { r.filter = fn }

// FilterFor applies the router's configured field filter outside of a
// broadcast call — the incremental QUERY_RESP delta path (§4.9) merges into
// a subscriber's existing result set without going through
// BroadcastEvent/BroadcastBatch, but §4.8's field-level filter applies
// there too, so it reuses this same hook rather than a second copy.
func (r *Router) FilterFor(principal *auth.Principal, mapName string, payload map[string]interface{}) map[string]interface{} {
	return r.filter(principal, mapName, payload)
}

// Broadcast sends an already-built frame raw to every open authenticated
// session, excluding excludeSessionID. Used for every message type other
// than SERVER_EVENT/SERVER_BATCH_EVENT.
func (r *Router) Broadcast(typ wire.Type, payload map[string]interface{}, excludeSessionID string) {
	data, err := wire.EncodeJSON(typ, payload)
	if err != nil {
		return
	}
	for _, s := range r.connmgr.All() {
		if s.ID == excludeSessionID || !s.Authenticated() {
			continue
		}
		s.Writer.WriteRaw(data, false)
	}
}

// BroadcastSync is Broadcast's variant that waits for each session's writer
// to flush before returning.
func (r *Router) BroadcastSync(typ wire.Type, payload map[string]interface{}, excludeSessionID string) {
	data, err := wire.EncodeJSON(typ, payload)
	if err != nil {
		return
	}
	for _, s := range r.connmgr.All() {
		if s.ID == excludeSessionID || !s.Authenticated() {
			continue
		}
		s.Writer.WriteRaw(data, false)
		s.Writer.Flush()
	}
}

// BroadcastEvent delivers a single-map event: subscription filter,
// role-signature bucketing, field-level filter once per bucket, serialize
// once per bucket.
func (r *Router) BroadcastEvent(mapName string, eventPayload map[string]interface{}, excludeSessionID string) {
	subs := r.subscribersForMaps([]string{mapName}, excludeSessionID)
	if len(subs) == 0 {
		metricEventsFiltered.Inc()
		return
	}
	for _, bucket := range bucketByRole(subs) {
		rep := bucket[0]
		filtered := r.filter(rep.Principal(), mapName, eventPayload)
		data, err := wire.EncodeJSON(wire.TypeServerEvent, filtered)
		if err != nil {
			continue
		}
		for _, s := range bucket {
			s.Writer.WriteRaw(data, false)
		}
	}
	metricEventsRouted.Inc()
	metricSubscribersPerEvent.Observe(float64(len(subs)))
}

// BroadcastEventSync is BroadcastEvent's variant that flushes every
// recipient's writer before returning.
func (r *Router) BroadcastEventSync(mapName string, eventPayload map[string]interface{}, excludeSessionID string) {
	r.BroadcastEvent(mapName, eventPayload, excludeSessionID)
	for _, s := range r.subscribersForMaps([]string{mapName}, excludeSessionID) {
		s.Writer.Flush()
	}
}

// BroadcastBatch delivers a whole batch's events as one SERVER_BATCH_EVENT
// per recipient bucket: the affected map set is the union of every event's
// map, subscription filtering computes the union of their subscribers, and
// each bucket gets one serialized frame carrying every event (field-filtered
// per bucket).
func (r *Router) BroadcastBatch(events []pipeline.BatchEvent, excludeSessionID string) {
	if len(events) == 0 {
		return
	}
	mapNames := affectedMaps(events)
	subs := r.subscribersForMaps(mapNames, excludeSessionID)
	if len(subs) == 0 {
		metricEventsFiltered.Add(float64(len(events)))
		return
	}
	for _, bucket := range bucketByRole(subs) {
		rep := bucket[0]
		filteredEvents := make([]map[string]interface{}, 0, len(events))
		for _, ev := range events {
			filteredEvents = append(filteredEvents, r.filter(rep.Principal(), ev.MapName, ev.Payload))
		}
		data, err := wire.EncodeJSON(wire.TypeServerBatchEvent, map[string]interface{}{"events": filteredEvents})
		if err != nil {
			continue
		}
		for _, s := range bucket {
			s.Writer.WriteRaw(data, false)
		}
	}
	metricEventsRouted.Add(float64(len(events)))
	metricSubscribersPerEvent.Observe(float64(len(subs)))
}

func affectedMaps(events []pipeline.BatchEvent) []string {
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if _, ok := seen[ev.MapName]; !ok {
			seen[ev.MapName] = struct{}{}
			out = append(out, ev.MapName)
		}
	}
	return out
}

// subscribersForMaps returns the deduplicated, authenticated sessions
// subscribed to any of mapNames, excluding excludeSessionID. Subscriptions
// are stored as "mapName:queryID" (see coordinator.splitSubscriptionID), so
// membership is decided on the map-name prefix, not the raw subscription id.
func (r *Router) subscribersForMaps(mapNames []string, excludeSessionID string) []*transport.Session {
	want := make(map[string]struct{}, len(mapNames))
	for _, m := range mapNames {
		want[m] = struct{}{}
	}
	var out []*transport.Session
	for _, s := range r.connmgr.All() {
		if s.ID == excludeSessionID || !s.Authenticated() {
			continue
		}
		for _, sub := range s.Subscriptions() {
			if _, ok := want[subscribedMapName(sub)]; ok {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// subscribedMapName strips the ":queryID" suffix a session's subscription id
// carries, leaving the bare map name subscribersForMaps matches against.
func subscribedMapName(sub string) string {
	if i := strings.IndexByte(sub, ':'); i >= 0 {
		return sub[:i]
	}
	return sub
}

// bucketByRole groups sessions sharing a role signature so the field filter
// and serialization run once per bucket rather than once per session.
func bucketByRole(sessions []*transport.Session) [][]*transport.Session {
	order := make([]string, 0, len(sessions))
	buckets := make(map[string][]*transport.Session)
	for _, s := range sessions {
		sig := "USER"
		if p := s.Principal(); p != nil {
			sig = p.RoleSignature()
		}
		if _, ok := buckets[sig]; !ok {
			order = append(order, sig)
		}
		buckets[sig] = append(buckets[sig], s)
	}
	out := make([][]*transport.Session, 0, len(order))
	for _, sig := range order {
		out = append(out, buckets[sig])
	}
	return out
}
