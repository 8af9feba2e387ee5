package gosmpls

// topology.go holds the graph of nodes and links the simulation runs over.
// Nodes and links draw their ids from one generator, so an id identifies an
// element uniquely.  Addresses are resolved by longest-prefix match over
// the nodes' own addresses and the prefixes they serve.
//
// Removal of elements is deferred: RemoveNode and RemoveLink only record the
// request, ApplyPending carries it out at the clock barrier.

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"
	"golang.org/x/exp/slices"
)

// Topology owns the nodes and links
type Topology struct {
	mu   sync.RWMutex
	Name string

	nodes      map[int]*Node
	nodeByName map[string]*Node
	links      map[int]*Link
	linkByName map[string]*Link

	addrTable bart.Table[int]

	ids    *IDGenerator
	events *IDGenerator

	cfg    ProtocolCfg
	logger *slog.Logger

	removeNodes []int
	removeLinks []int
}

// CreateTopology is a constructor
func CreateTopology(name string, cfg ProtocolCfg, logger *slog.Logger) *Topology {
	topo := new(Topology)
	topo.Name = name
	topo.nodes = make(map[int]*Node)
	topo.nodeByName = make(map[string]*Node)
	topo.links = make(map[int]*Link)
	topo.linkByName = make(map[string]*Link)
	topo.ids = CreateIDGenerator(name+"-elements", 0)
	topo.events = CreateIDGenerator(name+"-events", cfg.MaxEventID)
	topo.cfg = cfg
	if logger == nil {
		logger = discardLogger()
	}
	topo.logger = logger
	return topo
}

// Cfg returns the protocol constants the topology's nodes run with
func (topo *Topology) Cfg() ProtocolCfg {
	return topo.cfg
}

// AddNode creates a node and places it in the topology
func (topo *Topology) AddNode(name string, role Role, addr netip.Addr, ports int) (*Node, error) {
	topo.mu.Lock()
	defer topo.mu.Unlock()

	if name == "" {
		return nil, &ConfigError{Code: ErrMissingName, Detail: "node without a name"}
	}
	if _, present := topo.nodeByName[name]; present {
		return nil, &ConfigError{Code: ErrDuplicateName, Element: name}
	}
	if !addr.IsValid() {
		return nil, &ConfigError{Code: ErrMissingAddress, Element: name}
	}
	for _, other := range topo.nodes {
		if other.addr == addr {
			return nil, &ConfigError{Code: ErrDuplicateAddress, Element: name,
				Detail: fmt.Sprintf("%s already used by %s", addr, other.name)}
		}
	}
	id, err := topo.ids.Next()
	if err != nil {
		return nil, err
	}
	node := createNode(id, name, role, addr, ports, topo.cfg, topo.logger)
	node.topo = topo
	node.evtIDs = topo.events
	topo.nodes[id] = node
	topo.nodeByName[name] = node
	topo.addrTable.Insert(netip.PrefixFrom(addr, addr.BitLen()), id)
	return node, nil
}

// SetServedPrefix makes node the destination for addresses in prefix that no
// more specific entry claims
func (topo *Topology) SetServedPrefix(node *Node, prefix netip.Prefix) {
	topo.mu.Lock()
	defer topo.mu.Unlock()
	if node.prefix.IsValid() {
		topo.addrTable.Delete(node.prefix)
	}
	node.prefix = prefix.Masked()
	topo.addrTable.Insert(node.prefix, node.id)
}

// AddLink creates a link between port portA of nodeA and port portB of nodeB.
// A negative port number selects the lowest free port.
func (topo *Topology) AddLink(name string, nodeA *Node, portA int, nodeB *Node, portB int, delayNs int64) (*Link, error) {
	topo.mu.Lock()
	defer topo.mu.Unlock()

	if name == "" {
		name = fmt.Sprintf("%s-%s", nodeA.name, nodeB.name)
	}
	if _, present := topo.linkByName[name]; present {
		return nil, &ConfigError{Code: ErrDuplicateName, Element: name}
	}
	if delayNs < minLinkDelay {
		return nil, &ConfigError{Code: ErrInvalidDelay, Element: name,
			Detail: fmt.Sprintf("delay %d ns", delayNs)}
	}
	if portA < 0 {
		portA = nodeA.FreePort()
	}
	if portB < 0 {
		portB = nodeB.FreePort()
	}
	id, err := topo.ids.Next()
	if err != nil {
		return nil, err
	}
	link := CreateLink(id, name, delayNs, topo.logger)
	if err := link.Connect(nodeA, portA, nodeB, portB); err != nil {
		return nil, err
	}
	link.evtIDs = topo.events
	topo.links[id] = link
	topo.linkByName[name] = link
	nodeA.wellConfigured = true
	nodeB.wellConfigured = true
	return link, nil
}

// Node returns the node with the given id, nil if none
func (topo *Topology) Node(id int) *Node {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	return topo.nodes[id]
}

// NodeByName returns the named node
func (topo *Topology) NodeByName(name string) (*Node, bool) {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	node, present := topo.nodeByName[name]
	return node, present
}

// NodeByAddr resolves an address to the node owning it or serving its prefix
func (topo *Topology) NodeByAddr(addr netip.Addr) (*Node, bool) {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	id, found := topo.addrTable.Lookup(addr)
	if !found {
		return nil, false
	}
	node, present := topo.nodes[id]
	return node, present
}

// Link returns the link with the given id, nil if none
func (topo *Topology) Link(id int) *Link {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	return topo.links[id]
}

// LinkByName returns the named link
func (topo *Topology) LinkByName(name string) (*Link, bool) {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	link, present := topo.linkByName[name]
	return link, present
}

// nodeList returns the nodes ordered by id.  Caller holds mu.
func (topo *Topology) nodeList() []*Node {
	rtn := make([]*Node, 0, len(topo.nodes))
	for _, node := range topo.nodes {
		rtn = append(rtn, node)
	}
	slices.SortFunc(rtn, func(a, b *Node) int { return a.id - b.id })
	return rtn
}

// linkList returns the links ordered by id.  Caller holds mu.
func (topo *Topology) linkList() []*Link {
	rtn := make([]*Link, 0, len(topo.links))
	for _, link := range topo.links {
		rtn = append(rtn, link)
	}
	slices.SortFunc(rtn, func(a, b *Link) int { return a.id - b.id })
	return rtn
}

// Nodes returns the nodes ordered by id
func (topo *Topology) Nodes() []*Node {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	return topo.nodeList()
}

// Links returns the links ordered by id
func (topo *Topology) Links() []*Link {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	return topo.linkList()
}

// Elements returns every node and link, nodes first, for registration with a clock
func (topo *Topology) Elements() []Element {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	rtn := make([]Element, 0, len(topo.nodes)+len(topo.links))
	for _, node := range topo.nodeList() {
		rtn = append(rtn, node)
	}
	for _, link := range topo.linkList() {
		rtn = append(rtn, link)
	}
	return rtn
}

// Neighbors returns the ids of the nodes joined to id by a link that is up
func (topo *Topology) Neighbors(id int) []int {
	topo.mu.RLock()
	defer topo.mu.RUnlock()
	rtn := make([]int, 0)
	for _, link := range topo.linkList() {
		if link.IsDown() || !link.Connected() {
			continue
		}
		nodeA, nodeB := link.Endpoints()
		switch id {
		case nodeA.id:
			rtn = append(rtn, nodeB.id)
		case nodeB.id:
			rtn = append(rtn, nodeA.id)
		}
	}
	slices.Sort(rtn)
	return slices.Compact(rtn)
}

// PortToward returns the port of node whose link reaches nbr, nil if none is usable
func (topo *Topology) PortToward(node, nbr *Node) *Port {
	return node.portToward(nbr)
}

// SetLinkDown is the administrative interface for a named link
func (topo *Topology) SetLinkDown(name string, down bool) error {
	link, present := topo.LinkByName(name)
	if !present {
		return fmt.Errorf("link %s: %w", name, ErrUnknownElement)
	}
	link.SetDown(down)
	return nil
}

// RemoveNode asks for a node, and every link attached to it, to be removed
// at the next barrier
func (topo *Topology) RemoveNode(id int) error {
	topo.mu.Lock()
	defer topo.mu.Unlock()
	if _, present := topo.nodes[id]; !present {
		return fmt.Errorf("node %d: %w", id, ErrUnknownElement)
	}
	topo.removeNodes = append(topo.removeNodes, id)
	return nil
}

// RemoveLink asks for a link to be removed at the next barrier
func (topo *Topology) RemoveLink(id int) error {
	topo.mu.Lock()
	defer topo.mu.Unlock()
	if _, present := topo.links[id]; !present {
		return fmt.Errorf("link %d: %w", id, ErrUnknownElement)
	}
	topo.removeLinks = append(topo.removeLinks, id)
	return nil
}

// ApplyPending carries out the deferred removals and returns the ids of the
// elements removed, so that they can be dropped from the clock as well
func (topo *Topology) ApplyPending() []int {
	topo.mu.Lock()
	defer topo.mu.Unlock()

	removed := make([]int, 0)
	linkIDs := slices.Clone(topo.removeLinks)
	for _, nodeID := range topo.removeNodes {
		node, present := topo.nodes[nodeID]
		if !present {
			continue
		}
		for _, link := range topo.links {
			nodeA, nodeB := link.Endpoints()
			if nodeA == node || nodeB == node {
				linkIDs = append(linkIDs, link.id)
			}
		}
	}
	slices.Sort(linkIDs)
	for _, linkID := range slices.Compact(linkIDs) {
		link, present := topo.links[linkID]
		if !present {
			continue
		}
		link.Disconnect()
		delete(topo.links, linkID)
		delete(topo.linkByName, link.name)
		removed = append(removed, linkID)
		topo.logger.Info("link removed", "link", link.name)
	}
	for _, nodeID := range topo.removeNodes {
		node, present := topo.nodes[nodeID]
		if !present {
			continue
		}
		topo.addrTable.Delete(netip.PrefixFrom(node.addr, node.addr.BitLen()))
		if node.prefix.IsValid() {
			topo.addrTable.Delete(node.prefix)
		}
		delete(topo.nodes, nodeID)
		delete(topo.nodeByName, node.name)
		removed = append(removed, nodeID)
		topo.logger.Info("node removed", "node", node.name)
	}
	topo.removeNodes = topo.removeNodes[:0]
	topo.removeLinks = topo.removeLinks[:0]
	return removed
}

// Reset returns every element to its initial state and restarts event numbering
func (topo *Topology) Reset() {
	for _, node := range topo.Nodes() {
		node.Reset()
	}
	for _, link := range topo.Links() {
		link.Reset()
	}
	topo.events.Reset()
}
