package graph

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func mustGraph(t *testing.T, nodes []string, edges [][2]string) *Graph {
	t.Helper()
	g := New()
	for _, n := range nodes {
		if err := g.AddNode(n); err != nil {
			t.Fatalf("failed to add node %s: %v", n, err)
		}
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("failed to add edge %s -> %s: %v", e[0], e[1], err)
		}
	}
	return g
}

func TestAddEdgeRejectsCycles(t *testing.T) {
	g := mustGraph(t,
		[]string{"certificate", "validation", "distribution"},
		[][2]string{{"validation", "certificate"}, {"distribution", "validation"}},
	)

	err := g.AddEdge("certificate", "distribution")
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if !strings.Contains(err.Error(), "distribution -> validation -> certificate") {
		t.Errorf("expected cycle path in error, got %v", err)
	}
	if g.DependsOn("certificate", "distribution") {
		t.Error("rejected edge must not be recorded")
	}

	if err := g.AddEdge("certificate", "certificate"); !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle for self edge, got %v", err)
	}
}

func TestAddEdgeUnknownNode(t *testing.T) {
	g := mustGraph(t, []string{"bucket"}, nil)
	if err := g.AddEdge("bucket", "zone"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
	if err := g.AddEdge("policy", "bucket"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
}

func TestAddNodeDuplicate(t *testing.T) {
	g := mustGraph(t, []string{"bucket"}, nil)
	if err := g.AddNode("bucket"); !errors.Is(err, ErrDuplicateNode) {
		t.Errorf("expected ErrDuplicateNode, got %v", err)
	}
	if err := g.AddNode(""); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestLevels(t *testing.T) {
	g := mustGraph(t,
		[]string{"zone", "bucket", "oac", "pab", "distribution", "policy"},
		[][2]string{
			{"pab", "bucket"},
			{"distribution", "bucket"},
			{"distribution", "pab"},
			{"distribution", "oac"},
			{"policy", "bucket"},
			{"policy", "distribution"},
		},
	)

	levels := g.Levels()
	want := [][]string{
		{"bucket", "oac", "zone"},
		{"pab"},
		{"distribution"},
		{"policy"},
	}
	if fmt.Sprint(levels) != fmt.Sprint(want) {
		t.Errorf("expected levels %v, got %v", want, levels)
	}

	reverse := g.ReverseTopologicalOrder()
	if reverse[0] != "policy" || reverse[len(reverse)-1] == "policy" {
		t.Errorf("unexpected reverse order: %v", reverse)
	}
}

func TestDependencyQueries(t *testing.T) {
	g := mustGraph(t,
		[]string{"a", "b", "c"},
		[][2]string{{"a", "b"}, {"b", "c"}},
	)
	if !g.DependsOn("a", "c") {
		t.Error("expected transitive dependency a -> c")
	}
	if g.DependsOn("c", "a") {
		t.Error("unexpected dependency c -> a")
	}
	if got := g.DependenciesOf("a"); len(got) != 1 || got[0] != "b" {
		t.Errorf("expected [b], got %v", got)
	}
	if got := g.DependentsOf("c"); len(got) != 1 || got[0] != "b" {
		t.Errorf("expected [b], got %v", got)
	}
}

func TestRender(t *testing.T) {
	g := mustGraph(t, []string{"bucket.site", "bucket_policy.site"}, [][2]string{{"bucket_policy.site", "bucket.site"}})

	var dotOut strings.Builder
	if err := g.Render(&dotOut, FormatDOT, func(id string) string { return "kind" }); err != nil {
		t.Fatalf("failed to render dot: %v", err)
	}
	if !strings.Contains(dotOut.String(), "digraph") || !strings.Contains(dotOut.String(), "bucket_policy.site") {
		t.Errorf("unexpected dot output: %s", dotOut.String())
	}

	var mermaid strings.Builder
	if err := g.Render(&mermaid, FormatMermaid, nil); err != nil {
		t.Fatalf("failed to render mermaid: %v", err)
	}
	if !strings.Contains(mermaid.String(), "flowchart") && !strings.Contains(mermaid.String(), "graph") {
		t.Errorf("unexpected mermaid output: %s", mermaid.String())
	}

	if err := g.Render(&dotOut, Format("svg"), nil); err == nil {
		t.Error("expected error for unsupported format")
	}
}

// Random edge insertions never produce a graph without a topological order,
// and every accepted edge is respected by that order.
func TestTopologicalOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "nodes")
		g := New()
		for i := 0; i < n; i++ {
			if err := g.AddNode(fmt.Sprintf("n%02d", i)); err != nil {
				t.Fatalf("add node: %v", err)
			}
		}

		var accepted [][2]string
		edges := rapid.IntRange(0, n*3).Draw(t, "edges")
		for i := 0; i < edges; i++ {
			from := fmt.Sprintf("n%02d", rapid.IntRange(0, n-1).Draw(t, "from"))
			to := fmt.Sprintf("n%02d", rapid.IntRange(0, n-1).Draw(t, "to"))
			wouldCycle := from == to || g.DependsOn(to, from)
			err := g.AddEdge(from, to)
			if wouldCycle {
				if !errors.Is(err, ErrCycle) {
					t.Fatalf("expected ErrCycle for %s -> %s, got %v", from, to, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("unexpected error for %s -> %s: %v", from, to, err)
			}
			accepted = append(accepted, [2]string{from, to})
		}

		order := g.TopologicalOrder()
		if len(order) != n {
			t.Fatalf("expected %d nodes in order, got %d", n, len(order))
		}
		pos := make(map[string]int, n)
		for i, id := range order {
			pos[id] = i
		}
		for _, e := range accepted {
			if pos[e[0]] <= pos[e[1]] {
				t.Fatalf("%s ordered before its dependency %s", e[0], e[1])
			}
		}
	})
}
