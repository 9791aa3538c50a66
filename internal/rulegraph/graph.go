// Package rulegraph maintains the dependency graph between sync rules and
// reports cycles in it.
//
// Rule A depends-into rule B when some then-invocation of A targets the
// (concept, action) of some when-pattern of B: firing A can produce a fact
// that B matches. A cycle in this graph means a cascade may revisit the same
// rules. Cycles are diagnostics only; they may be intentional (retries,
// feedback loops with a terminating filter) and runtime termination is
// guaranteed by the engine's loop guard, not by this package.
package rulegraph

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/cascade/internal/ir"
)

// Cycle is one group of mutually reachable rules.
type Cycle struct {
	// Rules lists every participating rule in registration order.
	Rules []string `json:"rules"`
	// Path is one concrete traversal, starting and ending at the same rule.
	Path    []string `json:"path"`
	Message string   `json:"message"`
}

// Graph is an incrementally built rule dependency graph.
// It is safe for concurrent use.
type Graph struct {
	mu       sync.Mutex
	order    []string // registration order
	triggers map[string][]ir.ActionKey
	matches  map[string][]ir.ActionKey
	edges    map[string][]string
	reported map[string]bool
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		triggers: make(map[string][]ir.ActionKey),
		matches:  make(map[string][]ir.ActionKey),
		edges:    make(map[string][]string),
		reported: make(map[string]bool),
	}
}

// Add inserts rule and returns the cycles that exist now and were not
// returned by an earlier Add. A cycle that grows to include more rules is
// reported again with its new membership.
func (g *Graph) Add(rule ir.SyncRule) []Cycle {
	g.mu.Lock()
	defer g.mu.Unlock()

	name := rule.Name
	if _, exists := g.triggers[name]; !exists {
		g.order = append(g.order, name)
	}
	g.triggers[name] = thenKeys(rule)
	g.matches[name] = whenKeys(rule)
	g.rebuildEdges()

	var fresh []Cycle
	for _, c := range g.cycles() {
		key := strings.Join(c.Rules, "\x00")
		if g.reported[key] {
			continue
		}
		g.reported[key] = true
		fresh = append(fresh, c)
	}
	return fresh
}

// Cycles returns every cycle currently in the graph.
func (g *Graph) Cycles() []Cycle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cycles()
}

// Edges returns the rules that name directly triggers, in registration order.
func (g *Graph) Edges(name string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.edges[name])
}

func thenKeys(rule ir.SyncRule) []ir.ActionKey {
	keys := make([]ir.ActionKey, 0, len(rule.Then))
	for _, inv := range rule.Then {
		keys = append(keys, inv.Key())
	}
	return keys
}

func whenKeys(rule ir.SyncRule) []ir.ActionKey {
	keys := make([]ir.ActionKey, 0, len(rule.When))
	for _, p := range rule.When {
		keys = append(keys, p.Key())
	}
	return keys
}

// rebuildEdges recomputes the adjacency lists. Rule sets are small and
// registration is rare, so a full rebuild keeps edges in registration order.
func (g *Graph) rebuildEdges() {
	for _, from := range g.order {
		var out []string
		for _, to := range g.order {
			if triggersAny(g.triggers[from], g.matches[to]) {
				out = append(out, to)
			}
		}
		g.edges[from] = out
	}
}

func triggersAny(produced, matched []ir.ActionKey) bool {
	for _, p := range produced {
		if slices.Contains(matched, p) {
			return true
		}
	}
	return false
}

// cycles finds strongly connected components with Tarjan's algorithm and
// turns every non-trivial one (size > 1, or a self-loop) into a Cycle.
func (g *Graph) cycles() []Cycle {
	var (
		index   int
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.edges[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range g.order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	var out []Cycle
	for _, scc := range sccs {
		if len(scc) == 1 && !slices.Contains(g.edges[scc[0]], scc[0]) {
			continue
		}
		out = append(out, g.toCycle(scc))
	}
	slices.SortFunc(out, func(a, b Cycle) int {
		return g.position(a.Rules[0]) - g.position(b.Rules[0])
	})
	return out
}

func (g *Graph) position(name string) int {
	return slices.Index(g.order, name)
}

func (g *Graph) toCycle(scc []string) Cycle {
	members := slices.Clone(scc)
	slices.SortFunc(members, func(a, b string) int { return g.position(a) - g.position(b) })

	path := g.cyclePath(members)
	if len(members) == 1 {
		return Cycle{
			Rules:   members,
			Path:    path,
			Message: fmt.Sprintf("sync rule %s triggers itself", members[0]),
		}
	}
	return Cycle{
		Rules:   members,
		Path:    path,
		Message: fmt.Sprintf("sync rules %s form a cycle: %s", strings.Join(members, ", "), strings.Join(path, " -> ")),
	}
}

// cyclePath returns a shortest cycle through the first member, staying
// inside the component. Breadth-first search keeps it linear in the edges.
func (g *Graph) cyclePath(members []string) []string {
	start := members[0]
	inSCC := make(map[string]bool, len(members))
	for _, m := range members {
		inSCC[m] = true
	}

	parent := make(map[string]string, len(members))
	queue := []string{start}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, w := range g.edges[v] {
			if !inSCC[w] {
				continue
			}
			if w == start {
				var path []string
				for u := v; u != start; u = parent[u] {
					path = append(path, u)
				}
				path = append(path, start)
				slices.Reverse(path)
				return append(path, start)
			}
			if _, seen := parent[w]; seen {
				continue
			}
			parent[w] = v
			queue = append(queue, w)
		}
	}
	return nil
}
