package gosmpls

// routes.go provides the path computation service.  The topology is turned into
// a weighted directed graph of the gonum graph package and all-pairs shortest
// paths are found with its Floyd-Warshall implementation.
//
// Two edge weightings are offered.  The plain one uses each link's static
// weight.  The RABAN one adds to the link weight a penalty for the node the
// edge enters, built from that node's queue occupancy and switching table
// size, and a bias for links already carrying LSPs; a variant of it removes
// the edge from the origin to one neighbor so that a backup path avoids the
// primary next hop.
//
// Graphs are built from the current state on every call.  Congestion and
// table sizes change from tick to tick, so nothing is cached.

import (
	"math"
	"strings"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// NoPath is returned by the next hop functions when the destination cannot be reached
const NoPath = -1

// RABAN node penalty weights
const (
	rabanCongestionWeight = 0.7
	rabanTableWeight      = 0.3
)

// edgeWeigher gives the weight of the directed edge from one end of a link to
// the other.  Returning false leaves the edge out.
type edgeWeigher func(link *Link, from, to *Node) (float64, bool)

// plainWeight uses the link's static weight
func plainWeight(link *Link, from, to *Node) (float64, bool) {
	return link.Weight(), true
}

// rabanWeight biases paths away from congested, state-heavy nodes and links
// that already carry LSPs
func (topo *Topology) rabanWeight(link *Link, from, to *Node) (float64, bool) {
	w := link.Weight()
	w += rabanCongestionWeight * float64(to.Congestion())
	w += rabanTableWeight * float64(to.TableSize())
	if link.CarriesLSP() {
		w += topo.cfg.LSPBias
	}
	if link.CarriesBackupLSP() {
		w += topo.cfg.BackupBias
	}
	return w, true
}

// excluding wraps a weigher so that the edge from origin to excluded is absent
func excluding(weigher edgeWeigher, origin, excluded int) edgeWeigher {
	return func(link *Link, from, to *Node) (float64, bool) {
		if from.id == origin && to.id == excluded {
			return 0, false
		}
		return weigher(link, from, to)
	}
}

// buildRouteGraph builds the directed graph seen from origin.  Down links are
// left out.  Hosts only originate traffic, so the only host with outgoing
// edges is the origin itself.  Of parallel links the lightest one counts.
func (topo *Topology) buildRouteGraph(origin int, weigher edgeWeigher) *simple.WeightedDirectedGraph {
	g := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	for _, node := range topo.nodeList() {
		g.AddNode(simple.Node(node.id))
	}
	for _, link := range topo.linkList() {
		if link.IsDown() || !link.Connected() {
			continue
		}
		nodeA, nodeB := link.Endpoints()
		if nodeA == nil || nodeB == nil || nodeA == nodeB {
			continue
		}
		for _, dir := range [2][2]*Node{{nodeA, nodeB}, {nodeB, nodeA}} {
			from, to := dir[0], dir[1]
			if from.role.Host() && from.id != origin {
				continue
			}
			w, ok := weigher(link, from, to)
			if !ok {
				continue
			}
			if prev, present := g.Weight(int64(from.id), int64(to.id)); present && prev <= w {
				continue
			}
			g.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(from.id), T: simple.Node(to.id), W: w})
		}
	}
	return g
}

// directlyUsable is true when a usable link joins origin and dst, and the edge
// from origin to dst is not excluded
func (topo *Topology) directlyUsable(origin, dst, excluded int) bool {
	if dst == excluded {
		return false
	}
	for _, link := range topo.linkList() {
		if link.IsDown() || !link.Connected() {
			continue
		}
		nodeA, nodeB := link.Endpoints()
		if (nodeA.id == origin && nodeB.id == dst) || (nodeA.id == dst && nodeB.id == origin) {
			return true
		}
	}
	return false
}

// computePath returns the chosen shortest path from origin to dst, inclusive.
// Among equal-cost paths the one whose sequence of node ids is smallest
// (compared element by element) wins, which makes the first hop the
// smallest-id candidate.
func (topo *Topology) computePath(origin, dst int, weigher edgeWeigher) []int {
	g := topo.buildRouteGraph(origin, weigher)
	if g.Node(int64(origin)) == nil || g.Node(int64(dst)) == nil {
		return nil
	}
	shortest, ok := path.FloydWarshall(g)
	if !ok {
		return nil
	}
	paths, weight := shortest.AllBetween(int64(origin), int64(dst))
	if len(paths) == 0 || math.IsInf(weight, 1) {
		return nil
	}
	candidates := make([][]int, 0, len(paths))
	for _, p := range paths {
		candidates = append(candidates, convertNodeSeq(p))
	}
	slices.SortFunc(candidates, func(a, b []int) int {
		return slices.Compare(a, b)
	})
	return candidates[0]
}

// convertNodeSeq extracts node ids from a sequence of graph nodes
func convertNodeSeq(nodes []graph.Node) []int {
	rtn := make([]int, 0, len(nodes))
	for _, n := range nodes {
		rtn = append(rtn, int(n.ID()))
	}
	return rtn
}

// computeNextHop applies the adjacency short-circuit, then falls back to the
// computed path
func (topo *Topology) computeNextHop(origin, dst, excluded int, weigher edgeWeigher) int {
	if origin == dst {
		return dst
	}
	if topo.directlyUsable(origin, dst, excluded) {
		return dst
	}
	seq := topo.computePath(origin, dst, weigher)
	if len(seq) < 2 {
		return NoPath
	}
	return seq[1]
}

// NextHop returns the id of the neighbor of origin on the plain shortest path
// to dst, dst itself when they are adjacent, and NoPath when dst is unreachable
func (topo *Topology) NextHop(origin, dst int) int {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	return topo.computeNextHop(origin, dst, NoPath, plainWeight)
}

// NextHopRABAN is NextHop under the congestion-aware weighting
func (topo *Topology) NextHopRABAN(origin, dst int) int {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	return topo.computeNextHop(origin, dst, NoPath, topo.rabanWeight)
}

// NextHopRABANExcluding is NextHopRABAN with the edge from origin to excluded removed
func (topo *Topology) NextHopRABANExcluding(origin, dst, excluded int) int {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	return topo.computeNextHop(origin, dst, excluded, excluding(topo.rabanWeight, origin, excluded))
}

// Path returns the plain shortest path from origin to dst as node ids,
// origin and dst included, nil when there is none
func (topo *Topology) Path(origin, dst int) []int {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	if origin == dst {
		return []int{origin}
	}
	return topo.computePath(origin, dst, plainWeight)
}

// ShowPath renders a path as a comma-separated list of node names
func (topo *Topology) ShowPath(seq []int) string {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	names := make([]string, 0, len(seq))
	for _, id := range seq {
		if node, present := topo.nodes[id]; present {
			names = append(names, node.name)
		}
	}
	return strings.Join(names, ",")
}
