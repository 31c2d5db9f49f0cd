package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-shellwords"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"golang.org/x/term"

	"github.com/zhouat/bincat/cmd/bincat/config"
	"github.com/zhouat/bincat/pkg/cfa"
	"github.com/zhouat/bincat/pkg/logging"
	"github.com/zhouat/bincat/pkg/overrides"
	"github.com/zhouat/bincat/pkg/session"
)

const consolePrompt = "bincat> "

type consoleCommand struct {
	usage string
	help  string
	run   func(c *console, ctx context.Context, args []string) error
}

var consoleCommands map[string]consoleCommand

func init() {
	consoleCommands = map[string]consoleCommand{
		"help":     {"help", "Show this help", (*console).cmdHelp},
		"analyze":  {"analyze [init.ini]", "Start an analysis, optionally replacing the configuration", (*console).cmdAnalyze},
		"rerun":    {"rerun", "Start an analysis with the current configuration and overrides", (*console).cmdRerun},
		"wait":     {"wait", "Wait for the running analysis", (*console).cmdWait},
		"goto":     {"goto <address>", "Move the cursor to an address", (*console).cmdGoto},
		"node":     {"node <id>", "Select a node and move to its address", (*console).cmdNode},
		"show":     {"show", "Print the state at the cursor", (*console).cmdShow},
		"next":     {"next", "Move to the next analyzed address", (*console).cmdNext},
		"prev":     {"prev", "Move to the previous analyzed address", (*console).cmdPrev},
		"tainted":  {"tainted", "List tainted addresses", (*console).cmdTainted},
		"override": {"override list|add <addr> <reg> <mask>|set <i> <addr> <reg> <mask>|del <i>", "Edit taint overrides", (*console).cmdOverride},
		"dump":     {"dump", "Dump the session state", (*console).cmdDump},
	}
}

// console interprets commands against a session. Output goes to out, which
// may be written concurrently by cursor hooks.
type console struct {
	sess *session.Session
	view *taintView
	out  io.Writer
	web  bool
	// uploads is set once the user approved sending files for a run.
	uploads *atomic.Bool
	ask     func(prompt string) (string, error)
}

func newConsole(out io.Writer, web bool) *console {
	return &console{
		view:    newTaintView(),
		out:     out,
		web:     web,
		uploads: atomic.NewBool(false),
		ask: func(string) (string, error) {
			return "", io.EOF
		},
	}
}

func (c *console) attach(sess *session.Session) func() {
	c.sess = sess
	return sess.SubscribeCursor(nil, func(cur session.Cursor) {
		fmt.Fprintln(c.out, formatCursor(cur))
	})
}

func (c *console) confirmUpload(ctx context.Context, path, serverURL string) (bool, error) {
	if !c.uploads.Load() {
		fmt.Fprintf(c.out, "not uploading %s, uploads were not approved\n", path)
		return false, nil
	}
	fmt.Fprintf(c.out, "uploading %s to %s\n", path, serverURL)
	return true, nil
}

// interpret runs one command line and reports whether the console should exit.
func (c *console) interpret(ctx context.Context, line string) bool {
	args, err := shellwords.Parse(line)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return false
	}
	if len(args) == 0 {
		return false
	}
	if args[0] == "exit" || args[0] == "quit" {
		return true
	}
	cmd, found := consoleCommands[args[0]]
	if !found {
		fmt.Fprintf(c.out, "unknown command %q, try help\n", args[0])
		return false
	}
	if err := cmd.run(c, ctx, args[1:]); err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	return false
}

func (c *console) cmdHelp(_ context.Context, _ []string) error {
	names := lo.Keys(consoleCommands)
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(c.out, "  %-72s %s\n", consoleCommands[name].usage, consoleCommands[name].help)
	}
	fmt.Fprintf(c.out, "  %-72s %s\n", "exit", "Leave the console")
	return nil
}

// approveUploads asks once per run when files may leave the machine.
func (c *console) approveUploads() error {
	if !c.web {
		return nil
	}
	answer, err := c.ask("Upload files the server does not have yet? [y/N] ")
	if err != nil {
		return err
	}
	c.uploads.Store(strings.EqualFold(strings.TrimSpace(answer), "y"))
	return nil
}

func (c *console) cmdAnalyze(ctx context.Context, args []string) error {
	var override string
	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		override = string(data)
	}
	if err := c.approveUploads(); err != nil {
		return err
	}
	if err := c.sess.StartAnalysis(ctx, override); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "analysis started")
	return nil
}

func (c *console) cmdRerun(ctx context.Context, _ []string) error {
	if err := c.approveUploads(); err != nil {
		return err
	}
	if err := c.sess.ReRun(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "analysis started")
	return nil
}

func (c *console) cmdWait(ctx context.Context, _ []string) error {
	if err := c.sess.Wait(ctx); err != nil {
		return err
	}
	if res := c.sess.CFA(); res != nil {
		fmt.Fprintf(c.out, "%d nodes at %d addresses, %d tainted\n", res.Len(), len(res.Addresses()), len(c.view.Tainted()))
	} else {
		fmt.Fprintln(c.out, "no result")
	}
	return nil
}

func (c *console) cmdGoto(_ context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", consoleCommands["goto"].usage)
	}
	addr, err := cfa.ParseAddress(args[0])
	if err != nil {
		return err
	}
	c.sess.SetCursor(addr)
	return nil
}

func (c *console) cmdNode(_ context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", consoleCommands["node"].usage)
	}
	return c.sess.SelectNode(cfa.NodeID(args[0]))
}

func (c *console) cmdShow(_ context.Context, _ []string) error {
	cur := c.sess.Cursor()
	fmt.Fprintln(c.out, formatCursor(cur))
	if cur.State == nil {
		return nil
	}
	renderNode(c.out, cur.State)
	if res := c.sess.CFA(); res != nil {
		fmt.Fprintf(c.out, "predecessors: %v\nsuccessors: %v\n", res.Predecessors(cur.State.ID), res.Successors(cur.State.ID))
	}
	return nil
}

func (c *console) cmdNext(_ context.Context, _ []string) error {
	return c.step(1)
}

func (c *console) cmdPrev(_ context.Context, _ []string) error {
	return c.step(-1)
}

// step moves to the closest analyzed address after (dir > 0) or before the cursor.
func (c *console) step(dir int) error {
	res := c.sess.CFA()
	if res == nil {
		return session.ErrNoResult
	}
	addrs := res.Addresses()
	if len(addrs) == 0 {
		return session.ErrNoResult
	}
	cur := c.sess.Cursor()
	if !cur.HasAddress {
		c.sess.SetCursor(addrs[0])
		return nil
	}
	i, found := slices.BinarySearch(addrs, cur.Address)
	switch {
	case dir > 0 && found:
		i++
	case dir < 0:
		i--
	}
	if i < 0 || i >= len(addrs) {
		return fmt.Errorf("no analyzed address past %s", cur.Address)
	}
	c.sess.SetCursor(addrs[i])
	return nil
}

func (c *console) cmdTainted(_ context.Context, _ []string) error {
	tainted := c.view.Tainted()
	if len(tainted) == 0 {
		fmt.Fprintln(c.out, "no tainted address")
		return nil
	}
	for _, addr := range tainted {
		fmt.Fprintf(c.out, "%s %s\n", addr, taintLabel(true))
	}
	return nil
}

func (c *console) cmdOverride(_ context.Context, args []string) error {
	usage := fmt.Errorf("usage: %s", consoleCommands["override"].usage)
	if len(args) == 0 {
		return usage
	}
	list := c.sess.Overrides()
	switch args[0] {
	case "list":
		t := table.NewWriter()
		t.SetOutputMirror(c.out)
		t.AppendHeader(table.Row{"#", "Address", "Register", "Taint"})
		t.SetStyle(table.StyleLight)
		for i, o := range list.All() {
			t.AppendRow(table.Row{i, o.Address, o.Register, o.TaintMask})
		}
		t.Render()
		return nil
	case "add":
		if len(args) != 4 {
			return usage
		}
		o, err := parseOverride(args[1:])
		if err != nil {
			return err
		}
		list.Append(o)
		return nil
	case "set":
		if len(args) != 5 {
			return usage
		}
		i, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		o, err := parseOverride(args[2:])
		if err != nil {
			return err
		}
		return list.Set(i, o)
	case "del":
		if len(args) != 2 {
			return usage
		}
		i, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		return list.Delete(i)
	}
	return usage
}

func parseOverride(args []string) (overrides.Override, error) {
	addr, err := cfa.ParseAddress(args[0])
	if err != nil {
		return overrides.Override{}, err
	}
	return overrides.Override{Address: addr, Register: args[1], TaintMask: args[2]}, nil
}

func (c *console) cmdDump(_ context.Context, _ []string) error {
	cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true, SortKeys: true}
	cfg.Fdump(c.out, c.sess.DebugState())
	return nil
}

func formatCursor(cur session.Cursor) string {
	if !cur.HasAddress {
		return "cursor: none"
	}
	if cur.State == nil {
		return fmt.Sprintf("cursor: %s, not analyzed", cur.Address)
	}
	return fmt.Sprintf("cursor: %s, nodes %v, selected %s", cur.Address, cur.NodeIDs, cur.State.ID)
}

func openConsoleLog() io.Writer {
	p := filepath.Join(config.Home(), "console.log")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return io.Discard
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return io.Discard
	}
	return f
}

func newConsoleCommand(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive console driving an analysis session",
		Args:  cobra.NoArgs,
	}

	binary := cmd.Flags().String("binary", "", "Path to the analyzed binary, overrides the configuration")
	configPath := cmd.Flags().String("config", "", "Analyzer init.ini")
	projectStore := cmd.Flags().String("project-store", "", "Project store directory. Results are kept in memory when empty")
	web := cmd.Flags().Bool("web", false, "Run analyses on the analysis server")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		opts, err := root.options()
		if err != nil {
			return err
		}
		logCfg, err := root.logConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			oldState, err := term.MakeRaw(fd)
			if err != nil {
				return err
			}
			defer term.Restore(fd, oldState) //nolint:errcheck
		}
		tt := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}, consolePrompt)

		logCfg.Ctx = ctx
		logCfg.Output = openConsoleLog()
		logCfg.Export = logging.ExportConfig{
			ExportFunc: func(ctx context.Context, record slog.Record) {
				if component, found := logging.RecordAttr(record, logging.ComponentKey); found {
					fmt.Fprintf(tt, "%s [%s] %s\n", record.Level, component, record.Message)
					return
				}
				fmt.Fprintf(tt, "%s %s\n", record.Level, record.Message)
			},
			MinLevel: slog.LevelWarn,
		}
		log := logging.New(logCfg)

		c := newConsole(tt, *web || opts.WebAnalyzer)
		c.ask = func(prompt string) (string, error) {
			tt.SetPrompt(prompt)
			defer tt.SetPrompt(consolePrompt)
			return tt.ReadLine()
		}
		sess, store, err := newSession(ctx, log, sessionSetup{
			Options:      opts,
			Binary:       *binary,
			ConfigPath:   *configPath,
			ProjectStore: *projectStore,
			Web:          *web,
			Confirm:      c.confirmUpload,
			Annotator:    c.view,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		defer sess.Close()
		defer func() {
			// A run still in flight is cancelled and applied before the store closes.
			cancel()
			_ = sess.Wait(context.Background())
		}()
		unsubscribe := c.attach(sess)
		defer unsubscribe()

		if opts.Autostart {
			c.interpret(ctx, "analyze")
		}
		for {
			line, err := tt.ReadLine()
			if err != nil {
				break
			}
			if c.interpret(ctx, strings.TrimSpace(line)) {
				break
			}
		}
		return nil
	}
	return cmd
}
