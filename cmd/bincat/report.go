package main

import (
	"io"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/zhouat/bincat/pkg/cfa"
	"github.com/zhouat/bincat/pkg/session"
)

type addressReport struct {
	Address string   `yaml:"address"`
	Nodes   []string `yaml:"nodes"`
	Tainted bool     `yaml:"tainted"`
}

type analysisReport struct {
	Binary    string          `yaml:"binary"`
	Nodes     int             `yaml:"nodes"`
	Cursor    string          `yaml:"cursor,omitempty"`
	Addresses []addressReport `yaml:"addresses"`
}

func buildReport(binary string, c *cfa.CFA, cur session.Cursor) analysisReport {
	rep := analysisReport{Binary: binary, Nodes: c.Len()}
	if cur.HasAddress {
		rep.Cursor = cur.Address.String()
	}
	for _, addr := range c.Addresses() {
		rep.Addresses = append(rep.Addresses, addressReport{
			Address: addr.String(),
			Nodes:   lo.Map(c.NodeIDsAt(addr), func(id cfa.NodeID, _ int) string { return string(id) }),
			Tainted: c.IsAddressTainted(addr),
		})
	}
	return rep
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func taintLabel(tainted bool) string {
	if tainted {
		return color.New(color.FgRed, color.Bold).Sprint("tainted")
	}
	return color.New(color.FgGreen).Sprint("clean")
}

func renderReport(w io.Writer, rep analysisReport) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(rep.Binary)
	t.AppendHeader(table.Row{"Address", "Nodes", "Taint"})
	t.SetStyle(table.StyleLight)
	for _, a := range rep.Addresses {
		t.AppendRow(table.Row{a.Address, len(a.Nodes), taintLabel(a.Tainted)})
	}
	tainted := lo.CountBy(rep.Addresses, func(a addressReport) bool { return a.Tainted })
	t.AppendFooter(table.Row{"Total", rep.Nodes, tainted})
	t.Render()
}

// renderNode prints the abstract state of a node, one row per entry.
func renderNode(w io.Writer, n *cfa.Node) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("node " + string(n.ID) + " @ " + n.Address.String())
	t.AppendHeader(table.Row{"Key", "Value"})
	t.SetStyle(table.StyleLight)
	for _, e := range n.Entries {
		t.AppendRow(table.Row{e.Key, e.Value})
	}
	t.Render()
}
