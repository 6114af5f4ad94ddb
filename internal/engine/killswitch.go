package engine

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchResult counts the outcome of a mass cancel.
type BatchResult struct {
	Requested int `json:"requested"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

// CancelChores cancels ids concurrently and waits at most the batch-cancel
// timeout. Cancels still pending at the deadline are logged and abandoned.
func (e *Engine) CancelChores(ctx context.Context, ids []string) BatchResult {
	res := BatchResult{Requested: len(ids)}
	if len(ids) == 0 {
		return res
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.BatchCancelTimeout)
	defer cancel()

	var ok, failed atomic.Int64
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if e.PlaceCancelChore(ctx, id) {
				ok.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Give tasks that were mid-call a moment to observe ctx.
		select {
		case <-done:
		case <-time.After(50 * time.Millisecond):
		}
	}

	res.Cancelled = int(ok.Load())
	res.Failed = int(failed.Load())
	res.Abandoned = res.Requested - res.Cancelled - res.Failed
	if res.Abandoned > 0 {
		e.log.Error("batch cancel timed out", "requested", res.Requested, "abandoned", res.Abandoned)
	}
	e.log.Info("batch cancel", "requested", res.Requested, "cancelled", res.Cancelled, "failed", res.Failed, "abandoned", res.Abandoned)
	return res
}

// TriggerKillSwitch blocks new submissions and amendments, then cancels
// every open chore.
func (e *Engine) TriggerKillSwitch(ctx context.Context) bool {
	if !e.killed.Swap(true) {
		e.log.Warn("kill switch triggered")
		e.notify()
	}
	e.CancelChores(ctx, e.OpenChoreIDs())
	return true
}

// RevokeKillSwitch allows submissions again.
func (e *Engine) RevokeKillSwitch() bool {
	if e.killed.Swap(false) {
		e.log.Warn("kill switch revoked")
		e.notify()
	}
	return true
}

// KillSwitchActive reports whether submissions are blocked.
func (e *Engine) KillSwitchActive() bool { return e.killed.Load() }
