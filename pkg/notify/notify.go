// Package notify fans out affected-collection signals after successful
// mutations. Observers subscribe per logical collection id; a mutation
// that changed no rows emits nothing.
package notify

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"msgstore/pkg/logger"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "msgstore_notifications_total",
	Help: "Change notifications emitted, per logical collection.",
}, []string{"collection"})

// Hub routes change notifications. The excluded-field set suppresses
// notifications for updates touching only fields observers do not care
// about (e.g. a frequently refreshed network id); it is deployment
// configuration, not a fixed rule.
type Hub struct {
	mu       sync.RWMutex
	nextID   int64
	subs     map[string]map[int64]func(collection string)
	excluded map[string]struct{}
}

func NewHub(excludedFields []string) *Hub {
	h := &Hub{
		subs:     make(map[string]map[int64]func(string)),
		excluded: make(map[string]struct{}, len(excludedFields)),
	}
	for _, f := range excludedFields {
		h.excluded[f] = struct{}{}
	}
	return h
}

// Excluded reports whether changes to the field are invisible to
// observers.
func (h *Hub) Excluded(field string) bool {
	_, ok := h.excluded[field]
	return ok
}

// Subscribe registers an observer for one collection id. The returned
// func cancels the subscription.
func (h *Hub) Subscribe(collection string, fn func(collection string)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[int64]func(string))
	}
	h.subs[collection][id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[collection], id)
	}
}

// Notify emits one notification per distinct collection id, in the order
// given. Callers pass the minimal affected set; no-op mutations must not
// call Notify at all.
func (h *Hub) Notify(collections ...string) {
	seen := make(map[string]struct{}, len(collections))
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range collections {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		notificationsTotal.WithLabelValues(c).Inc()
		logger.Log.Debug("collection_changed", zap.String("collection", c))
		for _, fn := range h.subs[c] {
			fn(c)
		}
	}
}
