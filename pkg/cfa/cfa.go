package cfa

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"

	"github.com/samber/lo"
	"github.com/yourbasic/graph"
)

// EntryNode is the id the analyzer gives to the node it started from.
const EntryNode NodeID = "0"

var ErrNoResult = errors.New("no analysis result")

type Address uint64

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// ParseAddress accepts 0x prefixed hex or plain decimal.
func ParseAddress(s string) (Address, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address(v), nil
}

type NodeID string

// Entry is a single state line of a node, in file order.
type Entry struct {
	Key   string
	Value string
}

type Node struct {
	ID      NodeID
	Address Address
	Region  string
	Tainted bool
	Final   bool
	Entries []Entry
}

// Value returns the raw value of a state key such as reg[eax].
func (n *Node) Value(key string) (string, bool) {
	for _, e := range n.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// CFA is an immutable, parsed analysis result.
type CFA struct {
	nodes  map[NodeID]*Node
	byAddr map[Address][]NodeID
	index  map[NodeID]int
	ids    []NodeID
	succ   *graph.Immutable
	pred   *graph.Immutable
}

type edge struct {
	src, dst NodeID
}

func newCFA(nodes []*Node, edges []edge) (*CFA, error) {
	c := &CFA{
		nodes:  make(map[NodeID]*Node, len(nodes)),
		byAddr: map[Address][]NodeID{},
		index:  make(map[NodeID]int, len(nodes)),
	}
	for _, n := range nodes {
		if _, found := c.nodes[n.ID]; found {
			return nil, fmt.Errorf("duplicate node %s", n.ID)
		}
		c.nodes[n.ID] = n
		c.ids = append(c.ids, n.ID)
	}
	sortNodeIDs(c.ids)
	for i, id := range c.ids {
		c.index[id] = i
		addr := c.nodes[id].Address
		c.byAddr[addr] = append(c.byAddr[addr], id)
	}

	g := graph.New(len(c.ids))
	for _, e := range edges {
		src, ok := c.index[e.src]
		if !ok {
			return nil, fmt.Errorf("edge from unknown node %s", e.src)
		}
		dst, ok := c.index[e.dst]
		if !ok {
			return nil, fmt.Errorf("edge to unknown node %s", e.dst)
		}
		g.Add(src, dst)
	}
	c.succ = graph.Sort(g)
	c.pred = graph.Sort(graph.Transpose(g))
	return c, nil
}

func (c *CFA) Len() int {
	return len(c.nodes)
}

func (c *CFA) Node(id NodeID) (*Node, bool) {
	n, found := c.nodes[id]
	return n, found
}

// NodeIDsAt returns a copy of the node ids mapped to addr, in numeric order.
func (c *CFA) NodeIDsAt(addr Address) []NodeID {
	return slices.Clone(c.byAddr[addr])
}

func (c *CFA) NodeIDs() []NodeID {
	return slices.Clone(c.ids)
}

func (c *CFA) Addresses() []Address {
	addrs := lo.Keys(c.byAddr)
	slices.Sort(addrs)
	return addrs
}

// IsAddressTainted reports whether any node at addr carries taint.
func (c *CFA) IsAddressTainted(addr Address) bool {
	return lo.SomeBy(c.byAddr[addr], func(id NodeID) bool {
		return c.nodes[id].Tainted
	})
}

func (c *CFA) Successors(id NodeID) []NodeID {
	return c.neighbours(c.succ, id)
}

func (c *CFA) Predecessors(id NodeID) []NodeID {
	return c.neighbours(c.pred, id)
}

func (c *CFA) neighbours(g *graph.Immutable, id NodeID) []NodeID {
	v, found := c.index[id]
	if !found {
		return nil
	}
	var res []NodeID
	g.Visit(v, func(w int, _ int64) bool {
		res = append(res, c.ids[w])
		return false
	})
	return res
}

// sortNodeIDs orders numeric ids numerically, other ids lexically after them.
func sortNodeIDs(ids []NodeID) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, aerr := strconv.ParseUint(string(ids[i]), 10, 64)
		b, berr := strconv.ParseUint(string(ids[j]), 10, 64)
		switch {
		case aerr == nil && berr == nil:
			return a < b
		case aerr == nil:
			return true
		case berr == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}
