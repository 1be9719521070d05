// Package graph is a directed acyclic graph of resource addresses. An edge
// from A to B means A depends on B. Cycles are rejected when the edge that
// would close them is added, so a constructed Graph always has a
// topological order.
package graph

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/emicklei/dot"
)

var (
	// ErrCycle is returned by AddEdge when the edge would close a cycle.
	ErrCycle = errors.New("dependency cycle")
	// ErrUnknownNode is returned when an edge references a node that was
	// never added.
	ErrUnknownNode = errors.New("unknown node")
	// ErrDuplicateNode is returned when a node is added twice.
	ErrDuplicateNode = errors.New("duplicate node")
)

// Graph holds nodes in insertion order together with their dependencies.
type Graph struct {
	order      []string
	deps       map[string]map[string]struct{}
	dependents map[string]map[string]struct{}
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		deps:       make(map[string]map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
	}
}

// AddNode registers a node.
func (g *Graph) AddNode(id string) error {
	if id == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if g.Has(id) {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	g.order = append(g.order, id)
	g.deps[id] = make(map[string]struct{})
	g.dependents[id] = make(map[string]struct{})
	return nil
}

// AddEdge records that from depends on to. It fails with ErrCycle when to
// already depends on from, directly or transitively, and with ErrUnknownNode
// when either end is missing.
func (g *Graph) AddEdge(from, to string) error {
	if !g.Has(from) {
		return fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	if !g.Has(to) {
		return fmt.Errorf("%w: %s (required by %s)", ErrUnknownNode, to, from)
	}
	if from == to {
		return fmt.Errorf("%w: %s depends on itself", ErrCycle, from)
	}
	if path := g.path(to, from); path != nil {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, from, strings.Join(path, " -> "))
	}
	g.deps[from][to] = struct{}{}
	g.dependents[to][from] = struct{}{}
	return nil
}

// path returns a dependency chain from start to target, or nil when target
// is not reachable.
func (g *Graph) path(start, target string) []string {
	visited := make(map[string]bool)
	var walk func(n string) []string
	walk = func(n string) []string {
		if n == target {
			return []string{n}
		}
		visited[n] = true
		for _, d := range sortedKeys(g.deps[n]) {
			if visited[d] {
				continue
			}
			if rest := walk(d); rest != nil {
				return append([]string{n}, rest...)
			}
		}
		return nil
	}
	return walk(start)
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.deps[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// DependenciesOf returns the direct dependencies of id, sorted.
func (g *Graph) DependenciesOf(id string) []string {
	return sortedKeys(g.deps[id])
}

// DependentsOf returns the nodes that directly depend on id, sorted.
func (g *Graph) DependentsOf(id string) []string {
	return sortedKeys(g.dependents[id])
}

// DependsOn reports whether a depends on b, directly or transitively.
func (g *Graph) DependsOn(a, b string) bool {
	if a == b || !g.Has(a) || !g.Has(b) {
		return false
	}
	return g.path(a, b) != nil
}

// Levels groups nodes so that every node's dependencies sit in earlier
// levels. Nodes within a level are sorted.
func (g *Graph) Levels() [][]string {
	inDegree := make(map[string]int, len(g.order))
	for _, n := range g.order {
		inDegree[n] = len(g.deps[n])
	}

	var levels [][]string
	var current []string
	for _, n := range g.order {
		if inDegree[n] == 0 {
			current = append(current, n)
		}
	}
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		var next []string
		for _, n := range current {
			for d := range g.dependents[n] {
				inDegree[d]--
				if inDegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		current = next
	}
	return levels
}

// TopologicalOrder returns every node after all of its dependencies.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, 0, len(g.order))
	for _, level := range g.Levels() {
		out = append(out, level...)
	}
	return out
}

// ReverseTopologicalOrder returns every node before its dependencies, the
// order in which resources are deleted.
func (g *Graph) ReverseTopologicalOrder() []string {
	order := g.TopologicalOrder()
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// Format specifies the rendering format of a graph.
type Format string

const (
	// FormatDOT renders Graphviz DOT.
	FormatDOT Format = "dot"
	// FormatMermaid renders a Mermaid flowchart.
	FormatMermaid Format = "mermaid"
)

// Render writes the graph in the given format. label, when not nil,
// supplies a second line for each node.
func (g *Graph) Render(w io.Writer, format Format, label func(id string) string) error {
	dg := dot.NewGraph(dot.Directed)
	dg.Attr("rankdir", "BT")
	dg.NodeInitializer(func(n dot.Node) {
		n.Attr("shape", "box")
		n.Attr("fontname", "Arial")
	})

	nodes := make(map[string]dot.Node, len(g.order))
	for _, id := range g.order {
		n := dg.Node(id)
		if label != nil {
			if extra := label(id); extra != "" {
				n.Label(id + "\\n" + extra)
			}
		}
		nodes[id] = n
	}
	for _, id := range g.order {
		for _, dep := range sortedKeys(g.deps[id]) {
			dg.Edge(nodes[id], nodes[dep])
		}
	}

	var output string
	switch format {
	case FormatMermaid:
		output = dot.MermaidGraph(dg, dot.MermaidTopToBottom)
	case FormatDOT, "":
		output = dg.String()
	default:
		return fmt.Errorf("unsupported graph format: %s", format)
	}
	_, err := io.WriteString(w, output)
	return err
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
