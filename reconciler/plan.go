package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gurre/sitestack/provider"
	"github.com/gurre/sitestack/resource"
	"github.com/gurre/sitestack/state"
)

// Action is what a run does to one node.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionReplace Action = "replace"
	ActionDelete  Action = "delete"
	ActionNoop    Action = "noop"
	ActionRead    Action = "read"
)

// Mutates reports whether the action changes the account.
func (a Action) Mutates() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionReplace, ActionDelete:
		return true
	}
	return false
}

// Change is the decision taken for one node.
type Change struct {
	Address         string
	Kind            resource.Kind
	Action          Action
	Changed         []string // Attribute keys that differ between live and desired
	Recreate        bool     // Recorded in state but gone from the account
	Adopt           bool     // Live resource taken under management
	Resume          bool     // Created by an interrupted run, still settling
	KnownAfterApply bool     // Inputs depend on a change not applied yet
	Conflict        error    // *provider.ConflictError, reported by plans only

	want    resource.Spec
	prior   state.Resource
	live    state.Resource
	deposed bool
}

func (c Change) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-3s %s (%s) %s", symbol(c), c.Address, c.Kind, c.Action)
	var notes []string
	if c.Recreate {
		notes = append(notes, "recreated after out-of-band deletion")
	}
	if c.Adopt {
		notes = append(notes, "adopted")
	}
	if c.Resume {
		notes = append(notes, "resumes an interrupted create")
	}
	if c.KnownAfterApply {
		notes = append(notes, "known after apply")
	}
	if c.deposed {
		notes = append(notes, "deposed")
	}
	if len(c.Changed) > 0 {
		notes = append(notes, "changed: "+strings.Join(c.Changed, ", "))
	}
	if len(notes) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(notes, "; "))
	}
	if c.Conflict != nil {
		fmt.Fprintf(&b, "\n    ! %v", c.Conflict)
	}
	return b.String()
}

func symbol(c Change) string {
	if c.Conflict != nil {
		return "!"
	}
	switch c.Action {
	case ActionCreate:
		return "+"
	case ActionUpdate:
		return "~"
	case ActionReplace:
		return "-/+"
	case ActionDelete:
		return "-"
	case ActionRead:
		return "<="
	default:
		return ""
	}
}

// Plan lists the changes a run would make.
type Plan struct {
	RunID   string
	Domain  string
	Changes []Change
}

// HasChanges reports whether applying the plan would mutate the account.
func (p Plan) HasChanges() bool {
	for _, c := range p.Changes {
		if c.Action.Mutates() {
			return true
		}
	}
	return false
}

// Conflicts returns the changes that apply would refuse.
func (p Plan) Conflicts() []Change {
	var out []Change
	for _, c := range p.Changes {
		if c.Conflict != nil {
			out = append(out, c)
		}
	}
	return out
}

// Change returns the change of address.
func (p Plan) Change(address string) (Change, bool) {
	for _, c := range p.Changes {
		if c.Address == address {
			return c, true
		}
	}
	return Change{}, false
}

// Count returns the number of changes with the given action.
func (p Plan) Count(a Action) int {
	n := 0
	for _, c := range p.Changes {
		if c.Action == a {
			n++
		}
	}
	return n
}

func (p Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan for %s:\n", p.Domain)
	for _, c := range p.Changes {
		if c.Action == ActionNoop && c.Conflict == nil {
			continue
		}
		b.WriteString("  ")
		b.WriteString(c.String())
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%d to create, %d to update, %d to replace, %d to delete, %d unchanged, %d conflicts.",
		p.Count(ActionCreate), p.Count(ActionUpdate), p.Count(ActionReplace), p.Count(ActionDelete),
		p.Count(ActionNoop), len(p.Conflicts()))
	return b.String()
}

// Plan refreshes every node in dependency order and reports what Apply
// would do, without mutating the account or the state. Conflicts are
// reported on the change instead of failing the plan.
func (r *Reconciler) Plan(ctx context.Context) (Plan, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{RunID: r.runID, Domain: r.cfg.Domain}
	// Records a dependent node may build its desired state from.
	known := make(map[string]state.Resource)

	for _, addr := range r.graph.TopologicalOrder() {
		if err := ctx.Err(); err != nil {
			return Plan{}, err
		}
		n := r.nodes[addr]
		prior, hasPrior := snap.Get(addr)

		deps := make(map[string]state.Resource)
		for _, dep := range r.graph.DependenciesOf(addr) {
			if rec, ok := known[dep]; ok {
				deps[dep] = rec
			}
		}

		c, err := r.decide(ctx, n, deps, prior, hasPrior)
		var conflict *provider.ConflictError
		switch {
		case errors.As(err, &conflict):
			c.Conflict = err
		case err != nil:
			return Plan{}, fmt.Errorf("failed to plan %s: %w", addr, err)
		}

		switch {
		case c.Conflict != nil || c.KnownAfterApply:
		case c.Action == ActionNoop || c.Action == ActionRead:
			known[addr] = applied(addr, c.live)
		case c.Action == ActionUpdate && hasPrior:
			// Identifiers survive an in-place update.
			known[addr] = applied(addr, c.live)
		}
		plan.Changes = append(plan.Changes, c)
	}

	plan.Changes = append(plan.Changes, r.orphans(snap)...)
	return plan, nil
}

// orphans lists recorded resources that no node owns any more, and deposed
// resources awaiting deletion, in deletion order.
func (r *Reconciler) orphans(snap state.Snapshot) []Change {
	var out []Change
	for _, addr := range snap.Addresses() {
		if r.graph.Has(addr) {
			continue
		}
		rec, _ := snap.Get(addr)
		out = append(out, Change{Address: addr, Kind: rec.Kind, Action: ActionDelete, prior: rec})
	}
	for _, rec := range r.sortDeposed(snap.Deposed) {
		out = append(out, Change{Address: rec.Address, Kind: rec.Kind, Action: ActionDelete, prior: rec, deposed: true})
	}
	return out
}

// sortDeposed orders deposed entries so that dependents are deleted before
// their dependencies.
func (r *Reconciler) sortDeposed(deposed []state.Resource) []state.Resource {
	rank := make(map[string]int)
	for i, addr := range r.graph.ReverseTopologicalOrder() {
		rank[addr] = i
	}
	out := append([]state.Resource(nil), deposed...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i].Address]
		rj, jok := rank[out[j].Address]
		if iok != jok {
			return !iok
		}
		return ri < rj
	})
	return out
}

// decide computes the desired state of a node, reads the live resource and
// picks an action. Conflicts are returned as *provider.ConflictError along
// with the partially filled change.
func (r *Reconciler) decide(ctx context.Context, n provider.Node, deps map[string]state.Resource, prior state.Resource, hasPrior bool) (Change, error) {
	c := Change{
		Address: n.Address,
		Kind:    n.Provisioner.Kind(),
		prior:   prior,
	}

	want, err := n.Provisioner.Desired(deps)
	if errors.Is(err, provider.ErrDependencyPending) {
		c.KnownAfterApply = true
		c.Action = ActionCreate
		if hasPrior {
			c.Action = ActionUpdate
		}
		return c, nil
	}
	if err != nil {
		return c, err
	}
	c.want = want

	live, exists, err := n.Provisioner.Read(ctx, want, prior)
	if err != nil {
		return c, err
	}
	c.live = live

	if n.ReadOnly {
		c.Action = ActionRead
		return c, nil
	}

	wantAttrs := want.Attributes()

	if !exists {
		c.Action = ActionCreate
		c.Recreate = hasPrior
		return c, nil
	}

	c.Resume = hasPrior && prior.Status == state.StatusCreating

	if !hasPrior {
		if !n.Adopt && !r.cfg.AllowOverwrite {
			return c, &provider.ConflictError{
				Node:   n.Address,
				Reason: fmt.Sprintf("%s %s already exists and is not managed by this site", c.Kind, live.PhysicalID),
			}
		}
		c.Adopt = true
		c.prior = live
	}

	c.Changed = resource.Changed(live.Attributes, wantAttrs)
	if len(c.Changed) == 0 {
		c.Action = ActionNoop
		return c, nil
	}

	if hasPrior && !resource.Equal(prior.Attributes, live.Attributes) && !r.cfg.AllowOverwrite {
		tolerant, ok := n.Provisioner.(provider.DriftTolerant)
		if !ok || !tolerant.ExpectedDrift(prior, live, want) {
			drifted := resource.Changed(prior.Attributes, live.Attributes)
			return c, &provider.ConflictError{
				Node:   n.Address,
				Reason: fmt.Sprintf("changed outside sitestack (%s)", strings.Join(drifted, ", ")),
			}
		}
	}

	c.Action = ActionUpdate
	if resource.RequiresReplacement(want, c.Changed) {
		c.Action = ActionReplace
	}
	return c, nil
}
