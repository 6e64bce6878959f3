// Package retention archives idle threads on a cron schedule. Archived
// threads stay queryable; the flag also feeds the backup reconciler's
// archive pass.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"msgstore/pkg/logger"
	"msgstore/pkg/models"
	"msgstore/pkg/provider"
	"msgstore/pkg/query"
	"msgstore/pkg/store"
)

// Sweeper marks threads with no activity past the cutoff as archived.
type Sweeper struct {
	s      *store.Store
	p      *provider.Provider
	cron   string
	cutoff time.Duration
}

func New(s *store.Store, p *provider.Provider, cronExpr string, cutoff time.Duration) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	return &Sweeper{s: s, p: p, cron: cronExpr, cutoff: cutoff}, nil
}

// Start runs the scheduler until ctx is cancelled.
func (sw *Sweeper) Start(ctx context.Context) {
	logger.Log.Info("retention_started", zap.String("cron", sw.cron), zap.Duration("cutoff", sw.cutoff))
	go sw.run(ctx)
}

func (sw *Sweeper) run(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(sw.cron, now, false)
		if err != nil {
			logger.Log.Error("retention_next_tick_failed", zap.String("cron", sw.cron), zap.Error(err))
			next = now.Add(30 * time.Second)
		}
		select {
		case <-ctx.Done():
			logger.Log.Info("retention_stopping")
			return
		case <-time.After(time.Until(next)):
		}
		n, err := sw.Sweep()
		if err != nil {
			logger.Log.Error("retention_sweep_failed", zap.Error(err))
			continue
		}
		if n > 0 {
			logger.Log.Info("retention_swept", zap.Int("archived", n))
		}
	}
}

// Sweep archives every unarchived thread whose last activity predates
// the cutoff. Updates go through the provider so notification rules
// apply.
func (sw *Sweeper) Sweep() (int, error) {
	limit := time.Now().UTC().Add(-sw.cutoff).UnixNano()
	var stale []models.Thread
	err := sw.s.ScanRows(store.TableThread, func(id int64, v []byte) bool {
		var th models.Thread
		if json.Unmarshal(v, &th) != nil {
			return true
		}
		if !th.Archived && th.UpdatedTS != 0 && th.UpdatedTS < limit {
			stale = append(stale, th)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, th := range stale {
		addr := kindPath(th.Kind) + "/" + fmt.Sprintf("%d", th.ID)
		n, err := sw.p.Update(addr, json.RawMessage(`{"archived":true}`))
		if err != nil {
			logger.Log.Warn("retention_archive_failed", zap.Int64("thread", th.ID), zap.Error(err))
			continue
		}
		archived += n
	}
	return archived, nil
}

func kindPath(kind models.ThreadKind) string {
	if kind == models.ThreadGroup {
		return "/group_thread"
	}
	return "/p2p_thread"
}

// ArchivedCount reports how many threads are currently archived; used by
// the admin surface.
func ArchivedCount(p *provider.Provider) (int, error) {
	page, err := p.Query("/thread", query.Spec{
		Filters: []query.Filter{{Property: "archived", Op: query.OpEq, Value: "true"}},
	})
	if err != nil {
		return 0, err
	}
	return len(page.Rows), nil
}
