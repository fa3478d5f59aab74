package core

import (
	"context"
	"errors"

	"stancore/pkg/domain"
)

// DefaultBatchSize bounds the number of nodes sent to the edge source in one query.
const DefaultBatchSize = 500

// ErrAncestryUnsupported is returned by FindAncestry when the edge source
// cannot answer destination lookups.
var ErrAncestryUnsupported = errors.New("edge source does not support ancestry queries")

// Ancestoriser builds lineage snapshots from an edge source. It holds no
// state between calls and may be shared by concurrent requests.
type Ancestoriser struct {
	source    domain.EdgeSource
	batchSize int
}

// AncestoriserOption customises an Ancestoriser.
type AncestoriserOption func(*Ancestoriser)

// WithBatchSize caps the node count of each edge source query. Values below
// one fall back to DefaultBatchSize.
func WithBatchSize(n int) AncestoriserOption {
	return func(a *Ancestoriser) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// NewAncestoriser returns a builder reading from source.
func NewAncestoriser(source domain.EdgeSource, opts ...AncestoriserOption) *Ancestoriser {
	a := &Ancestoriser{source: source, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BatchSize reports the configured query width.
func (a *Ancestoriser) BatchSize() int { return a.batchSize }

// FindPosterity walks forward from roots until no new nodes are discovered.
// Edge source errors are returned unchanged and no partial snapshot is produced.
func (a *Ancestoriser) FindPosterity(ctx context.Context, roots []domain.SlotSample) (*Posterity, error) {
	g, err := a.expand(ctx, roots, a.source.FindEdgesFrom, forward)
	if err != nil {
		return nil, err
	}
	return &Posterity{graph: g}, nil
}

// FindAncestry walks backward from roots through the edges that produced them.
func (a *Ancestoriser) FindAncestry(ctx context.Context, roots []domain.SlotSample) (*Ancestry, error) {
	src, ok := a.source.(domain.AncestrySource)
	if !ok {
		return nil, ErrAncestryUnsupported
	}
	g, err := a.expand(ctx, roots, src.FindEdgesTo, backward)
	if err != nil {
		return nil, err
	}
	return &Ancestry{graph: g}, nil
}

type direction int

const (
	forward direction = iota
	backward
)

// near is the endpoint an edge is indexed by, far the endpoint it leads to.
func (d direction) near(e domain.Edge) domain.SlotSample {
	if d == backward {
		return e.Destination
	}
	return e.Source
}

func (d direction) far(e domain.Edge) domain.SlotSample {
	if d == backward {
		return e.Source
	}
	return e.Destination
}

type fetchFunc func(ctx context.Context, nodes []domain.SlotSample) ([]domain.Edge, error)

func (a *Ancestoriser) expand(ctx context.Context, roots []domain.SlotSample, fetch fetchFunc, dir direction) (*lineageGraph, error) {
	g := newLineageGraph(dir)
	frontier := make([]domain.SlotSample, 0, len(roots))
	for _, root := range roots {
		if g.visit(root) {
			frontier = append(frontier, root)
		}
	}

	batch := make(map[domain.SlotSample]struct{}, a.batchSize)
	for len(frontier) > 0 {
		g.stats.Rounds++
		var next []domain.SlotSample
		for start := 0; start < len(frontier); start += a.batchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			end := min(start+a.batchSize, len(frontier))
			chunk := frontier[start:end]
			clear(batch)
			for _, n := range chunk {
				batch[n] = struct{}{}
			}

			edges, err := fetch(ctx, chunk)
			g.stats.Queries++
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if _, requested := batch[dir.near(e)]; !requested {
					g.stats.IgnoredEdges++
					continue
				}
				g.link(e)
				if far := dir.far(e); g.visit(far) {
					next = append(next, far)
				}
			}
		}
		frontier = next
	}
	g.stats.Nodes = len(g.order)
	return g, nil
}
