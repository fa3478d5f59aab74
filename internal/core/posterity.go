package core

import "stancore/pkg/domain"

// Stats describes the work done to build a snapshot.
type Stats struct {
	Rounds       int `json:"rounds"`
	Queries      int `json:"queries"`
	Edges        int `json:"edges"`
	Nodes        int `json:"nodes"`
	IgnoredEdges int `json:"ignored_edges"`
}

// lineageGraph is the immutable result of one traversal. Adjacency is keyed by
// the endpoint the traversal expanded from.
type lineageGraph struct {
	dir       direction
	adjacency map[domain.SlotSample][]domain.Edge
	visited   map[domain.SlotSample]struct{}
	order     []domain.SlotSample
	edges     []domain.Edge
	stats     Stats
}

func newLineageGraph(dir direction) *lineageGraph {
	return &lineageGraph{
		dir:       dir,
		adjacency: make(map[domain.SlotSample][]domain.Edge),
		visited:   make(map[domain.SlotSample]struct{}),
	}
}

// visit records n and reports whether it was new.
func (g *lineageGraph) visit(n domain.SlotSample) bool {
	if _, seen := g.visited[n]; seen {
		return false
	}
	g.visited[n] = struct{}{}
	g.order = append(g.order, n)
	return true
}

func (g *lineageGraph) link(e domain.Edge) {
	key := g.dir.near(e)
	g.adjacency[key] = append(g.adjacency[key], e)
	g.edges = append(g.edges, e)
	g.stats.Edges++
}

// reach returns n followed by every node reachable from it, breadth first in
// edge encounter order.
func (g *lineageGraph) reach(n domain.SlotSample) []domain.SlotSample {
	out := []domain.SlotSample{n}
	if _, ok := g.adjacency[n]; !ok {
		return out
	}
	seen := map[domain.SlotSample]struct{}{n: {}}
	for i := 0; i < len(out); i++ {
		for _, e := range g.adjacency[out[i]] {
			far := g.dir.far(e)
			if _, ok := seen[far]; ok {
				continue
			}
			seen[far] = struct{}{}
			out = append(out, far)
		}
	}
	return out
}

// terminals returns discovered nodes with no adjacency entry, discovery order.
func (g *lineageGraph) terminals() []domain.SlotSample {
	out := make([]domain.SlotSample, 0)
	for _, n := range g.order {
		if _, ok := g.adjacency[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

func (g *lineageGraph) keySet() []domain.SlotSample {
	out := make([]domain.SlotSample, len(g.order))
	copy(out, g.order)
	return out
}

func (g *lineageGraph) contains(n domain.SlotSample) bool {
	_, ok := g.visited[n]
	return ok
}

func (g *lineageGraph) adjacent(n domain.SlotSample) []domain.Edge {
	edges := g.adjacency[n]
	out := make([]domain.Edge, len(edges))
	copy(out, edges)
	return out
}

func (g *lineageGraph) allEdges() []domain.Edge {
	out := make([]domain.Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Posterity is the forward lineage of a root set. It is never mutated after
// FindPosterity returns, so concurrent reads are safe.
type Posterity struct {
	graph *lineageGraph
}

// Descendents returns node followed by every node derived from it. A node the
// snapshot holds no outgoing edges for yields only itself.
func (p *Posterity) Descendents(node domain.SlotSample) []domain.SlotSample {
	return p.graph.reach(node)
}

// Leafs returns the discovered nodes with no outgoing edges.
func (p *Posterity) Leafs() []domain.SlotSample {
	return p.graph.terminals()
}

// KeySet returns every node known to the snapshot in discovery order.
func (p *Posterity) KeySet() []domain.SlotSample {
	return p.graph.keySet()
}

// Contains reports whether node was discovered.
func (p *Posterity) Contains(node domain.SlotSample) bool {
	return p.graph.contains(node)
}

// Len returns the number of discovered nodes.
func (p *Posterity) Len() int { return len(p.graph.order) }

// OutgoingEdges returns the edges recorded from node, in encounter order.
func (p *Posterity) OutgoingEdges(node domain.SlotSample) []domain.Edge {
	return p.graph.adjacent(node)
}

// Edges returns every edge the traversal recorded, in encounter order.
func (p *Posterity) Edges() []domain.Edge {
	return p.graph.allEdges()
}

// Stats returns traversal counters.
func (p *Posterity) Stats() Stats { return p.graph.stats }

// Ancestry is the backward lineage of a root set.
type Ancestry struct {
	graph *lineageGraph
}

// Ancestors returns node followed by every node it was derived from.
func (a *Ancestry) Ancestors(node domain.SlotSample) []domain.SlotSample {
	return a.graph.reach(node)
}

// Origins returns the discovered nodes with no recorded incoming edges.
func (a *Ancestry) Origins() []domain.SlotSample {
	return a.graph.terminals()
}

// KeySet returns every node known to the snapshot in discovery order.
func (a *Ancestry) KeySet() []domain.SlotSample {
	return a.graph.keySet()
}

// IncomingEdges returns the edges recorded into node, in encounter order.
func (a *Ancestry) IncomingEdges(node domain.SlotSample) []domain.Edge {
	return a.graph.adjacent(node)
}

// Stats returns traversal counters.
func (a *Ancestry) Stats() Stats { return a.graph.stats }

// Edges returns every edge the traversal recorded, in encounter order.
func (a *Ancestry) Edges() []domain.Edge {
	return a.graph.allEdges()
}
