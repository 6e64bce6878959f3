// Package backup serializes message history into size-bounded chunks and
// restores it, reconciling against the live identity space. Export is
// deterministic: the same unchanged data always serializes to the same
// bytes, so the transport can diff cheaply.
package backup

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"msgstore/pkg/logger"
	"msgstore/pkg/models"
	"msgstore/pkg/store"
)

// ErrQuotaExceeded is returned by a Sink when a chunk does not fit the
// transport's budget. The exporter responds by shrinking the chunk size,
// not by aborting.
var ErrQuotaExceeded = errors.New("backup quota exceeded")

// Sink receives serialized chunks.
type Sink interface {
	WriteChunk(data []byte) error
}

// Options carries per-invocation knobs; nothing here is ambient state,
// so repeated backups are reproducible in isolation.
type Options struct {
	// MaxItems caps rows per chunk. Zero means the default of 256.
	MaxItems int
}

const defaultMaxItems = 256

// PlaceholderSender is substituted for an absent sender address on
// restored incoming messages.
const PlaceholderSender = "sip:anonymous@anonymous.invalid"

// Chunk is the serialized unit. Items are ordered threads first, then
// messages, then deliveries, each ascending by id.
type Chunk struct {
	Seq   int    `json:"seq"`
	Items []Item `json:"items"`
}

// Item is a tagged row. Unknown supplemental keys in restored input are
// ignored, not fatal.
type Item struct {
	Kind     string           `json:"kind"`
	Thread   *models.Thread   `json:"thread,omitempty"`
	Message  *models.Message  `json:"message,omitempty"`
	Delivery *models.Delivery `json:"delivery,omitempty"`
}

const (
	itemThread   = "thread"
	itemMessage  = "message"
	itemDelivery = "delivery"
)

// Reconciler reads and writes history through the store.
type Reconciler struct {
	s *store.Store
}

func New(s *store.Store) *Reconciler {
	return &Reconciler{s: s}
}

// Export writes the full message history to the sink in chunks of at
// most opt.MaxItems rows and returns the number of chunks written. A
// quota signal from the sink halves the chunk size (floor 1) and retries
// the same window.
func (r *Reconciler) Export(sink Sink, opt Options) (int, error) {
	items, err := r.collect()
	if err != nil {
		return 0, err
	}
	max := opt.MaxItems
	if max <= 0 {
		max = defaultMaxItems
	}

	written := 0
	seq := 1
	for i := 0; i < len(items); {
		end := i + max
		if end > len(items) {
			end = len(items)
		}
		b, err := json.Marshal(Chunk{Seq: seq, Items: items[i:end]})
		if err != nil {
			return written, err
		}
		if err := sink.WriteChunk(b); err != nil {
			if errors.Is(err, ErrQuotaExceeded) && max > 1 {
				max /= 2
				logger.Log.Warn("backup_quota_shrink", zap.Int("max_items", max))
				continue
			}
			return written, err
		}
		written++
		seq++
		i = end
	}
	logger.Log.Info("backup_exported", zap.Int("chunks", written), zap.Int("items", len(items)))
	return written, nil
}

// collect decodes every row into its typed form and re-marshals it on
// export, so row-level supplemental keys never leak into the output and
// field order stays canonical.
func (r *Reconciler) collect() ([]Item, error) {
	var items []Item
	err := r.s.ScanRows(store.TableThread, func(id int64, v []byte) bool {
		var th models.Thread
		if json.Unmarshal(v, &th) != nil {
			return true
		}
		items = append(items, Item{Kind: itemThread, Thread: &th})
		return true
	})
	if err != nil {
		return nil, err
	}
	err = r.s.ScanRows(store.TableMessage, func(id int64, v []byte) bool {
		var m models.Message
		if json.Unmarshal(v, &m) != nil {
			return true
		}
		items = append(items, Item{Kind: itemMessage, Message: &m})
		return true
	})
	if err != nil {
		return nil, err
	}
	err = r.s.ScanRows(store.TableDelivery, func(id int64, v []byte) bool {
		var d models.Delivery
		if json.Unmarshal(v, &d) != nil {
			return true
		}
		items = append(items, Item{Kind: itemDelivery, Delivery: &d})
		return true
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}
