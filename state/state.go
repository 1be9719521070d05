// Package state persists the snapshot a reconciler run uses to diff desired
// state against what it applied last time, and guards it with a lock so that
// two runs never apply the same site concurrently.
package state

import (
	"sort"
	"time"

	"github.com/gurre/sitestack/resource"
	"github.com/oklog/ulid/v2"
)

// SnapshotVersion is the format version written by this package.
const SnapshotVersion = 1

// Status is the lifecycle status of a recorded resource.
type Status string

const (
	StatusApplied  Status = "applied"  // Resource matches its desired state
	StatusCreating Status = "creating" // Created, but a run stopped before it settled
	StatusIssued   Status = "issued"   // Certificate validation completed
	StatusDeposed  Status = "deposed"  // Replaced, awaiting deletion
)

// Resource is the record of one applied node.
// Example:
//
//	r := state.Resource{
//	    Address:    "bucket.site",
//	    Kind:       resource.KindBucket,
//	    PhysicalID: "example.org",
//	    Attributes: spec.Attributes(),
//	    Status:     state.StatusApplied,
//	}
type Resource struct {
	Address    string            `json:"address"`           // Node address in the site graph
	Kind       resource.Kind     `json:"kind"`              // Resource type
	PhysicalID string            `json:"physicalId"`        // Provider identifier (bucket name, distribution id, ...)
	ARN        string            `json:"arn,omitempty"`     // ARN when the provider assigns one
	Attributes map[string]string `json:"attributes"`        // Last applied attributes in flat form
	Outputs    map[string]string `json:"outputs,omitempty"` // Provider computed values (domain names, records, etags)
	Status     Status            `json:"status"`            // Lifecycle status
	UpdatedAt  time.Time         `json:"updatedAt"`         // When the record was last written
}

// Output returns the named output or the empty string.
func (r Resource) Output(key string) string {
	if r.Outputs == nil {
		return ""
	}
	return r.Outputs[key]
}

// Exists reports whether r describes a resource at all.
func (r Resource) Exists() bool {
	return r.PhysicalID != ""
}

// Snapshot is the persisted state of one site.
type Snapshot struct {
	Version   int                 `json:"version"`           // Format version
	Lineage   string              `json:"lineage"`           // Stable id of the site's state history
	Serial    int64               `json:"serial"`            // Incremented on every save
	Domain    string              `json:"domain"`            // Domain the snapshot belongs to
	LastRunID string              `json:"lastRunId"`         // Run that wrote the snapshot
	Resources map[string]Resource `json:"resources"`         // Applied resources by address
	Deposed   []Resource          `json:"deposed,omitempty"` // Replaced resources not deleted yet
	Outputs   map[string]string   `json:"outputs,omitempty"` // Site outputs computed after the last apply
}

// NewSnapshot creates an empty snapshot with a fresh lineage.
func NewSnapshot(domain string) Snapshot {
	return Snapshot{
		Version:   SnapshotVersion,
		Lineage:   ulid.Make().String(),
		Domain:    domain,
		Resources: make(map[string]Resource),
	}
}

// IsEmpty reports whether the snapshot holds no resources.
func (s Snapshot) IsEmpty() bool {
	return len(s.Resources) == 0 && len(s.Deposed) == 0
}

// Get returns the resource recorded at address.
func (s Snapshot) Get(address string) (Resource, bool) {
	r, ok := s.Resources[address]
	return r, ok
}

// Put records r under its address.
func (s *Snapshot) Put(r Resource) {
	if s.Resources == nil {
		s.Resources = make(map[string]Resource)
	}
	s.Resources[r.Address] = r
}

// Remove forgets the resource at address.
func (s *Snapshot) Remove(address string) {
	delete(s.Resources, address)
}

// Depose moves the resource at address to the deposed list.
func (s *Snapshot) Depose(address string) {
	r, ok := s.Resources[address]
	if !ok {
		return
	}
	r.Status = StatusDeposed
	s.Deposed = append(s.Deposed, r)
	delete(s.Resources, address)
}

// RemoveDeposed drops a deposed entry by address and physical id.
func (s *Snapshot) RemoveDeposed(address, physicalID string) {
	out := s.Deposed[:0]
	for _, r := range s.Deposed {
		if r.Address == address && r.PhysicalID == physicalID {
			continue
		}
		out = append(out, r)
	}
	s.Deposed = out
}

// Addresses returns the recorded addresses, sorted.
func (s Snapshot) Addresses() []string {
	out := make([]string, 0, len(s.Resources))
	for a := range s.Resources {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Resources = make(map[string]Resource, len(s.Resources))
	for k, r := range s.Resources {
		c.Resources[k] = r.clone()
	}
	if s.Deposed != nil {
		c.Deposed = make([]Resource, len(s.Deposed))
		for i, r := range s.Deposed {
			c.Deposed[i] = r.clone()
		}
	}
	c.Outputs = cloneMap(s.Outputs)
	return c
}

func (r Resource) clone() Resource {
	r.Attributes = cloneMap(r.Attributes)
	r.Outputs = cloneMap(r.Outputs)
	return r
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
