package cfa

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	nodeSectionPrefix = "node = "
	edgesSection      = "edges"

	addressKey = "address"
	taintedKey = "tainted"
	finalKey   = "final"
)

func loadOptions() ini.LoadOptions {
	return ini.LoadOptions{
		KeyValueDelimiters:  "=",
		IgnoreInlineComment: true,
	}
}

// ParseFile parses an analyzer output file. An unreadable or empty file, or
// one without any node, yields ErrNoResult.
func ParseFile(path string) (*CFA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, ErrNoResult)
	}
	return Parse(data)
}

func Parse(data []byte) (*CFA, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrNoResult
	}
	f, err := ini.LoadSources(loadOptions(), data)
	if err != nil {
		return nil, fmt.Errorf("parsing result: %v: %w", err, ErrNoResult)
	}

	var nodes []*Node
	var edges []edge
	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case strings.HasPrefix(name, nodeSectionPrefix):
			n, err := parseNode(NodeID(strings.TrimSpace(strings.TrimPrefix(name, nodeSectionPrefix))), sec)
			if err != nil {
				return nil, fmt.Errorf("%v: %w", err, ErrNoResult)
			}
			nodes = append(nodes, n)
		case name == edgesSection:
			for _, key := range sec.Keys() {
				e, err := parseEdge(key.Value())
				if err != nil {
					return nil, fmt.Errorf("edge %s: %v: %w", key.Name(), err, ErrNoResult)
				}
				edges = append(edges, e)
			}
		}
	}
	if len(nodes) == 0 {
		return nil, ErrNoResult
	}
	c, err := newCFA(nodes, edges)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrNoResult)
	}
	return c, nil
}

func parseNode(id NodeID, sec *ini.Section) (*Node, error) {
	if id == "" {
		return nil, fmt.Errorf("node section without id")
	}
	n := &Node{ID: id}
	hasAddress := false
	explicitTaint := false
	for _, key := range sec.Keys() {
		switch key.Name() {
		case addressKey:
			region, addr, err := parseNodeAddress(key.Value())
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", id, err)
			}
			n.Region, n.Address = region, addr
			hasAddress = true
		case taintedKey:
			v, err := key.Bool()
			if err != nil {
				return nil, fmt.Errorf("node %s: invalid tainted value %q", id, key.Value())
			}
			n.Tainted = v
			explicitTaint = true
		case finalKey:
			v, err := key.Bool()
			if err != nil {
				return nil, fmt.Errorf("node %s: invalid final value %q", id, key.Value())
			}
			n.Final = v
		default:
			n.Entries = append(n.Entries, Entry{Key: key.Name(), Value: key.Value()})
		}
	}
	if !hasAddress {
		return nil, fmt.Errorf("node %s has no address", id)
	}
	if !explicitTaint {
		for _, e := range n.Entries {
			if carriesTaint(e.Value) {
				n.Tainted = true
				break
			}
		}
	}
	return n, nil
}

// parseNodeAddress parses "<region> 0x<hex>" where the region is optional.
func parseNodeAddress(v string) (string, Address, error) {
	fields := strings.Fields(v)
	var region, raw string
	switch len(fields) {
	case 1:
		raw = fields[0]
	case 2:
		region, raw = fields[0], fields[1]
	default:
		return "", 0, fmt.Errorf("invalid address %q", v)
	}
	addr, err := ParseAddress(raw)
	if err != nil {
		return "", 0, err
	}
	return region, addr, nil
}

func parseEdge(v string) (edge, error) {
	src, dst, ok := strings.Cut(v, "->")
	if !ok {
		return edge{}, fmt.Errorf("invalid edge %q", v)
	}
	e := edge{src: NodeID(strings.TrimSpace(src)), dst: NodeID(strings.TrimSpace(dst))}
	if e.src == "" || e.dst == "" {
		return edge{}, fmt.Errorf("invalid edge %q", v)
	}
	return e, nil
}

// carriesTaint looks for a non-zero taint component in values of the form
// value!taint. Composite values are separated by commas.
func carriesTaint(v string) bool {
	for _, part := range strings.Split(v, ",") {
		_, taint, ok := strings.Cut(part, "!")
		if !ok {
			continue
		}
		taint = strings.TrimSpace(taint)
		if n, err := strconv.ParseUint(taint, 0, 64); err == nil {
			if n != 0 {
				return true
			}
			continue
		}
		digits := strings.TrimPrefix(strings.TrimPrefix(taint, "0x"), "0b")
		if strings.Trim(digits, "0?_") != "" {
			return true
		}
	}
	return false
}
