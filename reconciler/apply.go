package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gurre/sitestack/journal"
	"github.com/gurre/sitestack/metrics"
	"github.com/gurre/sitestack/provider"
	"github.com/gurre/sitestack/state"
	"go.uber.org/zap"
)

// Result describes a finished apply or destroy.
type Result struct {
	RunID   string
	Changes []Change          // Decisions in completion order
	Outputs map[string]string // Site outputs after the run
	Report  metrics.Report
}

// task is one node handed to a worker, together with the records of its
// dependencies as applied in this run.
type task struct {
	node     provider.Node
	deps     map[string]state.Resource
	prior    state.Resource
	hasPrior bool
}

// nodeResult is what a worker reports back for a task.
type nodeResult struct {
	change  Change
	record  state.Resource
	deposed *state.Resource
	err     error
}

// Apply reconciles the account with the desired state of the site. It holds
// the state lock for the whole run, saves the snapshot after every node that
// changed it and returns the first node errors joined. Nodes that were
// applied before a failure stay recorded for the next run.
func (r *Reconciler) Apply(ctx context.Context) (Result, error) {
	res := Result{RunID: r.runID}

	unlock, err := r.lock(ctx, "apply")
	if err != nil {
		return res, err
	}
	defer unlock()

	changes, snap, runErr := r.apply(ctx)
	res.Changes = changes
	res.Outputs = Outputs(r.cfg.Domain, snap)
	res.Report, err = r.finish(ctx, "apply", runErr)
	return res, err
}

func (r *Reconciler) apply(ctx context.Context) ([]Change, state.Snapshot, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return nil, state.Snapshot{}, err
	}
	if err := r.preflight(ctx, "apply"); err != nil {
		return nil, snap, err
	}

	r.logger.Info("Starting apply",
		zap.String("domain", r.cfg.Domain),
		zap.Int("nodes", r.graph.Len()),
		zap.Int("max_parallel", r.cfg.MaxParallel))

	changes, err := r.walk(ctx, &snap)
	if err != nil {
		return changes, snap, err
	}

	cleanup, err := r.deleteDeposed(ctx, &snap)
	changes = append(changes, cleanup...)
	if err != nil {
		return changes, snap, err
	}

	snap.Outputs = Outputs(r.cfg.Domain, snap)
	if err := r.save(ctx, &snap); err != nil {
		return changes, snap, err
	}
	r.logger.Info("Apply complete", zap.Any("outputs", snap.Outputs))
	return changes, snap, nil
}

// walk runs the worker pool over the graph. The dispatcher owns snap: it
// hands ready nodes to the workers, records their results and saves the
// snapshot, so workers never touch shared state.
func (r *Reconciler) walk(ctx context.Context, snap *state.Snapshot) ([]Change, error) {
	order := r.graph.TopologicalOrder()
	for _, addr := range order {
		r.initNode(addr)
	}

	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	go r.reportProgress(progressCtx)

	workers := r.cfg.MaxParallel
	if workers < 1 {
		workers = 1
	}
	tasks := make(chan task, len(order))
	results := make(chan nodeResult, len(order))
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				results <- r.applyNode(ctx, t)
			}
		}()
	}

	done := make(map[string]bool, len(order))
	started := make(map[string]bool, len(order))
	inFlight := 0
	var changes []Change
	var errs []error

	dispatch := func() {
		for _, addr := range order {
			if started[addr] || !r.ready(addr, done) {
				continue
			}
			started[addr] = true
			inFlight++
			tasks <- r.newTask(addr, *snap)
		}
	}

	dispatch()
	for inFlight > 0 {
		res := <-results
		inFlight--
		addr := res.change.Address
		if res.change.Action != "" {
			changes = append(changes, res.change)
		}

		if res.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, res.err))
			// A resource created before the failure keeps its id for the
			// next run.
			if res.record.Exists() {
				if err := r.record(ctx, snap, res); err != nil {
					errs = append(errs, err)
				}
			}
			continue
		}

		if err := r.record(ctx, snap, res); err != nil {
			errs = append(errs, err)
			continue
		}
		done[addr] = true

		if len(errs) == 0 && ctx.Err() == nil {
			dispatch()
		}
	}
	close(tasks)
	wg.Wait()

	for _, addr := range order {
		if !started[addr] {
			r.updateNodeStatus(addr, func(s *NodeStatus) { s.State = nodeSkipped })
		}
	}

	if len(errs) == 0 {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return changes, errors.Join(errs...)
}

// ready reports whether every dependency of addr has been applied.
func (r *Reconciler) ready(addr string, done map[string]bool) bool {
	for _, dep := range r.graph.DependenciesOf(addr) {
		if !done[dep] {
			return false
		}
	}
	return true
}

func (r *Reconciler) newTask(addr string, snap state.Snapshot) task {
	t := task{node: r.nodes[addr], deps: make(map[string]state.Resource)}
	for _, dep := range r.graph.DependenciesOf(addr) {
		if rec, ok := snap.Get(dep); ok {
			t.deps[dep] = rec
		}
	}
	t.prior, t.hasPrior = snap.Get(addr)
	return t
}

// record writes a node result into the snapshot and saves it when anything
// changed.
func (r *Reconciler) record(ctx context.Context, snap *state.Snapshot, res nodeResult) error {
	addr := res.change.Address
	prior, hasPrior := snap.Get(addr)
	if res.deposed != nil {
		if hasPrior && prior.PhysicalID == res.deposed.PhysicalID {
			snap.Depose(addr)
		} else {
			d := *res.deposed
			d.Address = addr
			d.Status = state.StatusDeposed
			snap.Deposed = append(snap.Deposed, d)
		}
	}
	if hasPrior && sameRecord(prior, res.record) && res.deposed == nil {
		return nil
	}
	snap.Put(res.record)
	return r.save(ctx, snap)
}

// applyNode decides and acts on a single node.
func (r *Reconciler) applyNode(ctx context.Context, t task) nodeResult {
	addr := t.node.Address
	kind := string(t.node.Provisioner.Kind())
	logger := r.logger.With(zap.String("node", addr), zap.String("kind", kind))
	start := time.Now()

	r.updateNodeStatus(addr, func(s *NodeStatus) {
		s.State = nodeRunning
		s.Started = start
	})

	res := nodeResult{change: Change{Address: addr, Kind: t.node.Provisioner.Kind()}}
	defer func() {
		outcome := journal.OutcomeOK
		errText := ""
		status := nodeApplied
		if res.err != nil {
			outcome = journal.OutcomeFailed
			errText = res.err.Error()
			status = nodeFailed
		}
		r.journal.Record(journal.Event{
			Node:       addr,
			Kind:       kind,
			Action:     string(res.change.Action),
			Outcome:    outcome,
			Error:      errText,
			DurationMS: time.Since(start).Milliseconds(),
		})
		r.metrics.RecordNode(string(res.change.Action), res.err)
		r.updateNodeStatus(addr, func(s *NodeStatus) {
			s.State = status
			s.Action = res.change.Action
			s.Err = res.err
			s.Finished = time.Now()
		})
	}()

	if err := ctx.Err(); err != nil {
		res.err = err
		return res
	}

	c, err := r.decide(ctx, t.node, t.deps, t.prior, t.hasPrior)
	res.change = c
	if err != nil {
		logger.Error("Failed to decide", zap.Error(err))
		res.err = err
		return res
	}
	if c.KnownAfterApply {
		// Dependencies are applied before a node starts, so this is a bug in
		// the node wiring rather than a user error.
		res.err = fmt.Errorf("%w: inputs of %s are not available", provider.ErrPreconditionFailed, addr)
		return res
	}

	logger = logger.With(zap.String("action", string(c.Action)))
	if c.Action.Mutates() {
		r.journal.Record(journal.Event{Node: addr, Kind: kind, Action: string(c.Action), Outcome: journal.OutcomeStarted})
		logger.Info("Applying node",
			zap.Strings("changed", c.Changed),
			zap.Bool("recreate", c.Recreate),
			zap.Bool("adopt", c.Adopt))
	}
	if c.Recreate {
		logger.Warn("Resource was deleted outside sitestack, recreating")
	}

	p := t.node.Provisioner
	var rec state.Resource
	switch c.Action {
	case ActionRead, ActionNoop:
		rec = c.live
		if t.hasPrior && rec.Outputs == nil {
			rec.Outputs = t.prior.Outputs
		}
	case ActionCreate:
		rec, err = p.Create(ctx, c.want)
	case ActionUpdate:
		rec, err = p.Update(ctx, c.prior, c.want)
	case ActionReplace:
		rec, err = p.Create(ctx, c.want)
		if err == nil {
			old := c.prior
			res.deposed = &old
		}
	default:
		err = fmt.Errorf("unexpected action %s", c.Action)
	}
	if err == nil && c.Resume {
		if resumer, ok := p.(provider.Resumer); ok {
			rec, err = resumer.Resume(ctx, rec)
		}
	}
	if err != nil {
		var incomplete *provider.IncompleteError
		if errors.As(err, &incomplete) && incomplete.Record.Exists() {
			partial := applied(addr, incomplete.Record)
			partial.Status = state.StatusCreating
			partial.UpdatedAt = time.Now().UTC()
			res.record = partial
			if c.Action == ActionReplace {
				old := c.prior
				res.deposed = &old
			}
			logger.Warn("Resource is not ready, recorded for the next run",
				zap.String("physical_id", partial.PhysicalID))
		}
		logger.Error("Failed to apply node", zap.Error(err))
		res.err = err
		return res
	}

	rec = applied(addr, rec)
	if t.hasPrior && sameRecord(t.prior, rec) {
		rec.UpdatedAt = t.prior.UpdatedAt
	} else {
		rec.UpdatedAt = time.Now().UTC()
	}
	res.record = rec

	logger.Debug("Node reconciled",
		zap.String("physical_id", rec.PhysicalID),
		zap.Duration("duration", time.Since(start)))
	return res
}

// deleteDeposed deletes resources replaced during this or an earlier run,
// dependents first.
func (r *Reconciler) deleteDeposed(ctx context.Context, snap *state.Snapshot) ([]Change, error) {
	var changes []Change
	for _, c := range r.orphans(*snap) {
		if err := ctx.Err(); err != nil {
			return changes, err
		}
		if err := r.deleteRecord(ctx, c.prior); err != nil {
			return changes, fmt.Errorf("%s: %w", c.Address, err)
		}
		if c.deposed {
			snap.RemoveDeposed(c.prior.Address, c.prior.PhysicalID)
		} else {
			snap.Remove(c.Address)
		}
		if err := r.save(ctx, snap); err != nil {
			return changes, err
		}
		changes = append(changes, c)
	}
	return changes, nil
}

// deleteRecord deletes the resource behind rec, journaling the outcome.
func (r *Reconciler) deleteRecord(ctx context.Context, rec state.Resource) (err error) {
	start := time.Now()
	logger := r.logger.With(
		zap.String("node", rec.Address),
		zap.String("kind", string(rec.Kind)),
		zap.String("physical_id", rec.PhysicalID),
		zap.String("action", string(ActionDelete)))

	defer func() {
		e := journal.Event{
			Node:       rec.Address,
			Kind:       string(rec.Kind),
			Action:     string(ActionDelete),
			Outcome:    journal.OutcomeOK,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			e.Outcome = journal.OutcomeFailed
			e.Error = err.Error()
		}
		r.journal.Record(e)
		r.metrics.RecordNode(string(ActionDelete), err)
	}()

	n, ok := r.provisionerFor(rec)
	if !ok {
		return fmt.Errorf("no provisioner for %s resources", rec.Kind)
	}
	if n.ReadOnly {
		return nil
	}
	logger.Info("Deleting resource")
	if err := n.Provisioner.Delete(ctx, rec); err != nil {
		logger.Error("Failed to delete resource", zap.Error(err))
		return err
	}
	return nil
}
