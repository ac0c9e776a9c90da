// Package graph implements association-graph traversal over
// internal/store's association rows. It is id-keyed with no in-memory
// back-pointers: every lookup goes through the store, which already
// indexes both directions of each edge.
package graph

import (
	"sort"

	"github.com/kittclouds/memengine/internal/store"
)

// Store is the subset of store.Storer the graph depends on.
type Store interface {
	UpsertAssociation(a *store.Association) error
	GetAssociations(memoryID string) ([]*store.Association, error)
	DecayAssociations(factor, floor float64) (int, error)
}

// Graph traverses and maintains the association graph.
type Graph struct {
	store Store
}

func New(s Store) *Graph {
	return &Graph{store: s}
}

// Link creates or overwrites a typed association between two memories: a
// repeated Link of the same pair and kind replaces the stored strength.
// Strength above 1.0 is capped at 1.0.
func (g *Graph) Link(sourceID, targetID string, kind store.AssociationKind, strength, at float64) error {
	if strength > 1.0 {
		strength = 1.0
	}
	return g.store.UpsertAssociation(&store.Association{
		SourceID:        sourceID,
		TargetID:        targetID,
		Kind:            kind,
		Strength:        strength,
		CreatedAt:       at,
		LastActivatedAt: at,
	})
}

// Depth-wise edge strength floors applied during traversal: a first-hop
// edge must be at least ThresholdL1 to be followed at all; a second-hop
// (and beyond) edge only needs the looser ThresholdL2, since it is already
// reached through a qualifying first hop.
const (
	ThresholdL1 = 0.5
	ThresholdL2 = 0.3
)

// AssocStrengthForHop returns the association_strength a retrieval-time
// candidate found at the given hop distance carries, independent of the
// traversed edge's own stored strength: 0.8 at the first hop, 0.5 at the
// second hop and beyond. Neighbors never returns the traversal root, and
// pkg/retrieval gives seed candidates no association term.
func AssocStrengthForHop(hop int) float64 {
	if hop <= 1 {
		return 0.8
	}
	return 0.5
}

func minStrengthForHop(hop int) float64 {
	if hop <= 1 {
		return ThresholdL1
	}
	return ThresholdL2
}

// Neighbor is one edge reachable from a traversal root, annotated with its
// hop distance so callers can weight first-degree neighbors over
// second-degree ones.
type Neighbor struct {
	MemoryID      string
	Kind          store.AssociationKind
	Strength      float64 // the traversed edge's own stored strength
	AssocStrength float64 // the 0.8/0.5 retrieval weight for this hop distance
	Hops          int
}

// Neighbors returns every memory reachable from id within maxHops along
// edges whose strength clears that hop's threshold, strongest edges first,
// without revisiting an id already seen at a shorter hop count. An edge
// that fails its hop's threshold is neither returned nor traversed past.
func (g *Graph) Neighbors(id string, maxHops int) ([]Neighbor, error) {
	if maxHops < 1 {
		maxHops = 1
	}

	visited := map[string]int{id: 0}
	var frontier = []string{id}
	var out []Neighbor

	for hop := 1; hop <= maxHops; hop++ {
		var next []string
		floor := minStrengthForHop(hop)
		for _, cur := range frontier {
			edges, err := g.store.GetAssociations(cur)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if _, seen := visited[e.TargetID]; seen {
					continue
				}
				if e.Strength < floor {
					continue
				}
				visited[e.TargetID] = hop
				out = append(out, Neighbor{
					MemoryID:      e.TargetID,
					Kind:          e.Kind,
					Strength:      e.Strength,
					AssocStrength: AssocStrengthForHop(hop),
					Hops:          hop,
				})
				next = append(next, e.TargetID)
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Hops != out[j].Hops {
			return out[i].Hops < out[j].Hops
		}
		return out[i].Strength > out[j].Strength
	})

	return out, nil
}

// Decay applies exponential decay to every edge's strength, pruning edges
// that fall below floor. Called by the engine's MaintenanceTick.
func (g *Graph) Decay(factor, floor float64) (int, error) {
	return g.store.DecayAssociations(factor, floor)
}
