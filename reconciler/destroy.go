package reconciler

import (
	"context"
	"fmt"

	"github.com/gurre/sitestack/state"
	"go.uber.org/zap"
)

// Destroy deletes every recorded resource, dependents before their
// dependencies. Deposed resources go first. Each deletion is saved before
// the next one starts, so an interrupted destroy can be resumed.
func (r *Reconciler) Destroy(ctx context.Context) (Result, error) {
	res := Result{RunID: r.runID}

	unlock, err := r.lock(ctx, "destroy")
	if err != nil {
		return res, err
	}
	defer unlock()

	changes, snap, runErr := r.destroy(ctx)
	res.Changes = changes
	res.Outputs = Outputs(r.cfg.Domain, snap)
	res.Report, err = r.finish(ctx, "destroy", runErr)
	return res, err
}

func (r *Reconciler) destroy(ctx context.Context) ([]Change, state.Snapshot, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return nil, state.Snapshot{}, err
	}
	if snap.IsEmpty() {
		r.logger.Info("Nothing to destroy")
		return nil, snap, nil
	}
	if err := r.preflight(ctx, "destroy"); err != nil {
		return nil, snap, err
	}

	r.logger.Info("Starting destroy",
		zap.String("domain", r.cfg.Domain),
		zap.Int("resources", len(snap.Resources)),
		zap.Int("deposed", len(snap.Deposed)),
		zap.Bool("force_destroy", r.cfg.ForceDestroy))

	changes, err := r.deleteDeposed(ctx, &snap)
	if err != nil {
		return changes, snap, err
	}

	for _, addr := range r.graph.ReverseTopologicalOrder() {
		if err := ctx.Err(); err != nil {
			return changes, snap, err
		}
		rec, ok := snap.Get(addr)
		if !ok {
			continue
		}
		if r.nodes[addr].ReadOnly {
			snap.Remove(addr)
			continue
		}
		if err := r.deleteRecord(ctx, rec); err != nil {
			return changes, snap, fmt.Errorf("%s: %w", addr, err)
		}
		snap.Remove(addr)
		if err := r.save(ctx, &snap); err != nil {
			return changes, snap, err
		}
		changes = append(changes, Change{Address: addr, Kind: rec.Kind, Action: ActionDelete, prior: rec})
	}

	snap.Outputs = nil
	if err := r.save(ctx, &snap); err != nil {
		return changes, snap, err
	}
	r.logger.Info("Destroy complete", zap.Int("deleted", len(changes)))
	return changes, snap, nil
}

// Outputs loads the snapshot and returns the recorded site outputs.
func (r *Reconciler) Outputs(ctx context.Context) (map[string]string, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(snap.Outputs) > 0 {
		return snap.Outputs, nil
	}
	return Outputs(r.cfg.Domain, snap), nil
}

// Snapshot loads the current snapshot.
func (r *Reconciler) Snapshot(ctx context.Context) (state.Snapshot, error) {
	return r.load(ctx)
}
