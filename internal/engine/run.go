package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"editstate/internal/recovery"
	"editstate/internal/state"
)

// crashReportRetention bounds how long panic dumps are kept.
const crashReportRetention = 30 * 24 * time.Hour

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	Pruned        int `json:"pruned"`
	SessionsEnded int `json:"sessionsEnded"`
}

// Maintain removes finalized changes older than ChangeTTL and ends
// sessions idle for longer than SessionIdle. Pruned changes are audited.
func (e *Engine) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var rep MaintenanceReport
	now := e.now()
	cutoff := now.Add(-e.opts.ChangeTTL)

	docs := e.states.Documents()
	for _, id := range docs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		var pruned []*state.Change
		err := e.states.WithDocument(id, func(tx *state.Tx) error {
			if e.opts.ChangeTTL > 0 {
				pruned = tx.PruneFinalized(cutoff)
			}
			if e.opts.SessionIdle <= 0 {
				return nil
			}
			for sid, sess := range tx.State().Sessions {
				if sess.Active() && now.Sub(sess.LastActivity) > e.opts.SessionIdle {
					if err := tx.EndSession(sid); err != nil {
						return err
					}
					rep.SessionsEnded++
				}
			}
			return nil
		})
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return rep, err
		}
		for _, c := range pruned {
			e.audit.LogChangePruned(ctx, id, c.ID, string(c.Status), now.Sub(c.Timestamp))
		}
		rep.Pruned += len(pruned)
	}

	e.metrics.RecordPruned(rep.Pruned)
	if e.metrics != nil {
		e.mu.Lock()
		pending := len(e.queue)
		e.mu.Unlock()
		e.metrics.SetState(len(docs), len(e.states.ActiveSessions()), pending)
	}
	if rep.Pruned > 0 || rep.SessionsEnded > 0 {
		e.logger.Info("maintenance finished", "pruned", rep.Pruned, "sessions_ended", rep.SessionsEnded)
	}
	return rep, nil
}

func (e *Engine) maintainLoop(ctx context.Context) error {
	if e.opts.MaintenanceInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(e.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Maintain(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("maintenance failed", "error", err)
			}
		}
	}
}

// CreateBackup writes a backup of every document and of the queued
// conflicts and returns its storage key. Backups beyond the configured
// count are pruned.
func (e *Engine) CreateBackup(ctx context.Context) (string, error) {
	return e.recovery.CreateBackup(ctx)
}

// LastRecovery returns the outcome of the startup recovery, or nil when
// there was nothing to recover.
func (e *Engine) LastRecovery() *recovery.RecoveryInfo {
	return e.recovered.Load()
}

// Run restores the last persisted state and then runs the recovery timers,
// the memory scan and the maintenance loop until ctx is done. A failed
// recovery is logged and the engine starts empty. On return a final
// checkpoint has been written.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer e.running.Store(false)

	e.audit.LogStartup(ctx, e.version, map[string]any{
		"max_snapshots":       e.opts.MaxSnapshots,
		"checkpoint_interval": e.opts.Recovery.CheckpointInterval.String(),
	})
	if e.crash != nil {
		if n, err := e.crash.PruneReports(crashReportRetention); err != nil {
			e.logger.Warn("crash report cleanup failed", "error", err)
		} else if n > 0 {
			e.logger.Info("old crash reports removed", "count", n)
		}
	}

	if info := e.recovery.Resume(ctx); info != nil {
		e.recovered.Store(info)
		if info.Err != nil {
			e.logger.Error("starting with empty state", "error", info.Err, "attempts", info.Errors)
		}
	}

	if e.health != nil {
		e.health.SetReady(true)
		defer e.health.SetReady(false)
	}
	e.logger.Info("engine started", "documents", len(e.states.Documents()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(e.crash.Guard("recovery", func() error { return e.recovery.Run(gctx) }))
	g.Go(e.crash.Guard("memory", func() error { return e.optimizer.Run(gctx) }))
	g.Go(e.crash.Guard("maintenance", func() error { return e.maintainLoop(gctx) }))
	err := g.Wait()

	reason := "stopped"
	if err != nil {
		reason = err.Error()
	}
	e.audit.LogShutdown(context.WithoutCancel(ctx), reason)
	e.logger.Info("engine stopped", "reason", reason)
	return err
}
