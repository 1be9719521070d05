// Package reconciler drives the static site graph towards its desired state.
// It builds the graph from the provider nodes, plans changes without touching
// the account, applies them with a bounded pool of workers that start a node
// only once all of its dependencies are applied, and destroys the site in
// reverse dependency order.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/gurre/sitestack/aws"
	"github.com/gurre/sitestack/config"
	"github.com/gurre/sitestack/graph"
	"github.com/gurre/sitestack/journal"
	"github.com/gurre/sitestack/metrics"
	"github.com/gurre/sitestack/preflight"
	"github.com/gurre/sitestack/provider"
	"github.com/gurre/sitestack/resource"
	"github.com/gurre/sitestack/state"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Output names of a site.
const (
	OutputBucketName       = "bucket_name"
	OutputCloudFrontDomain = "cloudfront_domain"
	OutputSiteURL          = "site_url"
)

// progressInterval controls how often in-flight nodes are logged while a
// run waits on slow resources such as certificate validation.
const progressInterval = 15 * time.Second

// Preflighter checks permissions before a run mutates anything.
type Preflighter interface {
	Check(ctx context.Context, actions []string) (preflight.Result, error)
}

// Deps are the collaborators of a Reconciler.
type Deps struct {
	Clients aws.Clients  // Raw service clients, wrapped for metrics and journaling
	Store   state.Store  // Snapshot store
	Locker  state.Locker // Lock, NopLocker when nil
	Checker Preflighter  // Permission preflight, built from Clients when nil
	Logger  *zap.Logger
	RunID   string // Run identifier, a fresh ULID when empty
}

// NodeStatus tracks one node during a run.
type NodeStatus struct {
	Started  time.Time
	Finished time.Time
	Err      error
	Address  string
	Action   Action
	State    string // pending|running|applied|failed|skipped
}

// Node states.
const (
	nodePending = "pending"
	nodeRunning = "running"
	nodeApplied = "applied"
	nodeFailed  = "failed"
	nodeSkipped = "skipped"
)

// Reconciler plans, applies and destroys one site.
type Reconciler struct {
	cfg     *config.Config
	nodes   map[string]provider.Node
	graph   *graph.Graph
	clients aws.Clients
	store   state.Store
	locker  state.Locker
	checker Preflighter
	journal *journal.Journal
	metrics *metrics.Metrics
	logger  *zap.Logger
	runID   string

	nodeStatus map[string]*NodeStatus
	statusMu   sync.RWMutex
}

// New creates a Reconciler for cfg. The configuration is expected to be
// validated already.
func New(cfg *config.Config, deps Deps) (*Reconciler, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := deps.RunID
	if runID == "" {
		runID = ulid.Make().String()
	}
	locker := deps.Locker
	if locker == nil {
		locker = state.NopLocker{}
	}

	m := metrics.NewMetrics()
	j := journal.New(runID)
	clients := deps.Clients.Observed(aws.Observers{m, j})

	checker := deps.Checker
	if checker == nil && clients.STS != nil && clients.IAM != nil {
		checker = preflight.NewChecker(clients.STS, clients.IAM, logger)
	}

	opts := provider.OptionsFromConfig(cfg, runID, logger)
	opts.Retry.OnRetry = func(op string, attempt int, err error) {
		m.RecordRetry(op, attempt, err)
		logger.Warn("Retrying transient error",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	siteNodes := provider.SiteNodes(clients, opts)
	g, err := BuildGraph(siteNodes)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]provider.Node, len(siteNodes))
	for _, n := range siteNodes {
		nodes[n.Address] = n
	}

	return &Reconciler{
		cfg:        cfg,
		nodes:      nodes,
		graph:      g,
		clients:    clients,
		store:      deps.Store,
		locker:     locker,
		checker:    checker,
		journal:    j,
		metrics:    m,
		logger:     logger.With(zap.String("run_id", runID)),
		runID:      runID,
		nodeStatus: make(map[string]*NodeStatus),
	}, nil
}

// BuildGraph turns nodes and their explicit dependencies into a graph.
func BuildGraph(nodes []provider.Node) (*graph.Graph, error) {
	g := graph.New()
	for _, n := range nodes {
		if err := g.AddNode(n.Address); err != nil {
			return nil, err
		}
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if err := g.AddEdge(n.Address, dep); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// RunID returns the identifier of the run.
func (r *Reconciler) RunID() string {
	return r.runID
}

// Graph returns the site graph.
func (r *Reconciler) Graph() *graph.Graph {
	return r.graph
}

// Journal returns the events recorded so far.
func (r *Reconciler) Journal() []journal.Event {
	return r.journal.Events()
}

// Outputs projects the site outputs from a snapshot. Outputs of resources
// that do not exist yet are omitted.
func Outputs(domain string, snap state.Snapshot) map[string]string {
	out := map[string]string{
		OutputSiteURL: "https://" + domain,
	}
	if b, ok := snap.Get(provider.AddrBucket); ok && b.PhysicalID != "" {
		out[OutputBucketName] = b.PhysicalID
	}
	if d, ok := snap.Get(provider.AddrDistribution); ok {
		if name := d.Output("domain_name"); name != "" {
			out[OutputCloudFrontDomain] = name
		}
	}
	return out
}

// load reads the snapshot and checks that it belongs to the configured
// domain.
func (r *Reconciler) load(ctx context.Context) (state.Snapshot, error) {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("failed to load state: %w", err)
	}
	if snap.Version == 0 && snap.IsEmpty() {
		return state.NewSnapshot(r.cfg.Domain), nil
	}
	if snap.Domain != "" && snap.Domain != r.cfg.Domain {
		return state.Snapshot{}, fmt.Errorf("state belongs to %s, not %s", snap.Domain, r.cfg.Domain)
	}
	if snap.Resources == nil {
		snap.Resources = make(map[string]state.Resource)
	}
	snap.Domain = r.cfg.Domain
	return snap, nil
}

// save writes the snapshot. A cancelled run still records what it changed.
func (r *Reconciler) save(ctx context.Context, snap *state.Snapshot) error {
	snap.Serial++
	snap.LastRunID = r.runID
	if err := r.store.Save(context.WithoutCancel(ctx), *snap); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// lock acquires the state lock and returns the function releasing it.
func (r *Reconciler) lock(ctx context.Context, operation string) (func(), error) {
	info := state.LockInfo{
		LockID:    r.cfg.StateURI,
		RunID:     r.runID,
		Who:       who(),
		Operation: operation,
		Created:   time.Now().UTC(),
	}
	if err := r.locker.Lock(ctx, info); err != nil {
		return nil, err
	}
	return func() {
		if err := r.locker.Unlock(context.WithoutCancel(ctx), info); err != nil {
			r.logger.Error("Failed to release state lock", zap.Error(err))
		}
	}, nil
}

func who() string {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return name + "@" + host
}

// preflight runs the permission check unless it is disabled.
func (r *Reconciler) preflight(ctx context.Context, operation string) error {
	if r.cfg.SkipPreflight || r.checker == nil {
		return nil
	}
	res, err := r.checker.Check(ctx, preflight.RequiredActions(operation, r.cfg.ForceDestroy))
	if err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}
	if want := resource.Partition(r.cfg.Region); res.Partition != "" && res.Partition != want {
		return fmt.Errorf("preflight failed: caller %s is in partition %s, region %s is in %s",
			res.CallerARN, res.Partition, r.cfg.Region, want)
	}
	return nil
}

// finish flushes the journal and builds the report of the run. The run error
// is returned unchanged unless it is nil and flushing failed.
func (r *Reconciler) finish(ctx context.Context, operation string, runErr error) (metrics.Report, error) {
	ctx = context.WithoutCancel(ctx)
	var errs []error

	if r.cfg.JournalURI != "" {
		uri, err := r.journal.Flush(ctx, r.clients.S3, r.cfg.JournalURI)
		if err != nil {
			errs = append(errs, err)
		} else {
			r.logger.Info("Journal uploaded", zap.String("uri", uri))
		}
	}

	report := r.metrics.GenerateReport(r.runID, r.cfg.Domain, operation, runErr)
	if r.cfg.ReportS3URI != "" {
		if err := metrics.Upload(ctx, r.clients.S3, r.cfg.ReportS3URI, report); err != nil {
			errs = append(errs, err)
		} else {
			r.logger.Info("Report uploaded", zap.String("uri", r.cfg.ReportS3URI))
		}
	}

	if runErr != nil {
		return report, runErr
	}
	return report, errors.Join(errs...)
}

// initNode registers a node in the status map.
func (r *Reconciler) initNode(address string) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.nodeStatus[address] = &NodeStatus{Address: address, State: nodePending}
}

// updateNodeStatus updates a node's status for progress reporting.
func (r *Reconciler) updateNodeStatus(address string, fn func(*NodeStatus)) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if status, ok := r.nodeStatus[address]; ok {
		fn(status)
	}
}

// Statuses returns a copy of the node statuses in topological order.
func (r *Reconciler) Statuses() []NodeStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	var out []NodeStatus
	for _, addr := range r.graph.TopologicalOrder() {
		if s, ok := r.nodeStatus[addr]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// reportProgress periodically logs the nodes still running.
func (r *Reconciler) reportProgress(ctx context.Context) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var running []string
			applied := 0
			for _, s := range r.Statuses() {
				switch s.State {
				case nodeRunning:
					running = append(running, s.Address)
				case nodeApplied:
					applied++
				}
			}
			r.logger.Info("Progress",
				zap.Int("applied", applied),
				zap.Int("total", r.graph.Len()),
				zap.Strings("running", running))
		case <-ctx.Done():
			return
		}
	}
}

// provisionerFor finds the provisioner of a recorded resource, by address
// first and by kind for entries of addresses no longer in the graph.
func (r *Reconciler) provisionerFor(rec state.Resource) (provider.Node, bool) {
	if n, ok := r.nodes[rec.Address]; ok {
		return n, true
	}
	for _, n := range r.nodes {
		if n.Provisioner.Kind() == rec.Kind {
			return n, true
		}
	}
	return provider.Node{}, false
}

// applied stamps a provider record with its address and status.
func applied(address string, rec state.Resource) state.Resource {
	rec.Address = address
	if rec.Status == "" {
		rec.Status = state.StatusApplied
	}
	return rec
}

// sameRecord reports whether writing b over a would change the snapshot.
func sameRecord(a, b state.Resource) bool {
	return a.PhysicalID == b.PhysicalID &&
		a.ARN == b.ARN &&
		a.Kind == b.Kind &&
		a.Status == b.Status &&
		resource.Equal(a.Attributes, b.Attributes) &&
		resource.Equal(a.Outputs, b.Outputs)
}
