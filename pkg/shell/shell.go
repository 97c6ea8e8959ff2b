// Package shell is the interactive command line of dwarfcli.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/liushuochen/gotable"
	"github.com/liushuochen/gotable/cell"
	"github.com/mikekulinski/dwarfkeeper/pkg/dwarf"
	"github.com/sirupsen/logrus"
)

const defaultPrompt = "DwarfKeeper>>"

// Conn is a connection to one group.
type Conn interface {
	dwarf.Keeper
	Close() error
}

// Dialer connects to the group groupName.
type Dialer func(groupName string) (Conn, error)

type command struct {
	// argc is the minimum number of arguments.
	argc  int
	usage string
	desc  string
	// offline commands also work without a connection.
	offline bool
	run     func(s *Shell, ctx context.Context, args []string) (string, error)
}

// order is the order commands are listed in by help.
var order = []string{"help", "connect", "disconnect", "exit", "create", "set", "get", "getall", "ls", "ls2", "stat", "rmr", "test"}

var commands map[string]command

// init fills commands since help refers back to it.
func init() {
	commands = map[string]command{
		"help":       {0, "help [cmd]", "Show the commands, or the usage of one", true, (*Shell).help},
		"connect":    {1, "connect <group>", "Connect to a group", true, (*Shell).connect},
		"disconnect": {0, "disconnect", "Close the connection to the group", true, (*Shell).disconnect},
		"exit":       {0, "exit", "Disconnect and leave the shell", true, (*Shell).exit},
		"create":     {2, "create <path> <data>", "Create a node", false, keeperCall(dwarf.CREATE)},
		"set":        {2, "set <path> <data>", "Replace the data of a node", false, keeperCall(dwarf.SET_NODE)},
		"get":        {1, "get <path>", "Show the stat and data of a node", false, keeperCall(dwarf.GET_NODE)},
		"getall":     {1, "getall <path>", "Show the stat, data and children of a node", false, keeperCall(dwarf.GET_ALL)},
		"ls":         {1, "ls <path>", "List the children of a node", false, keeperCall(dwarf.GET_CHILDREN)},
		"ls2":        {1, "ls2 <path>", "Show the stat and children of a node", false, keeperCall(dwarf.GET_CHILDREN2)},
		"stat":       {1, "stat <path>", "Show the stat of a node if it exists", false, keeperCall(dwarf.EXISTS)},
		"rmr":        {1, "rmr <path>", "Delete a node and everything below it", false, keeperCall(dwarf.DELETE)},
		"test":       {0, "test [msg]", "Check that the group answers", false, keeperCall(dwarf.TEST)},
	}
}

// Aliases of the operation names the servers use.
var aliases = map[string]string{
	"setNode":      "set",
	"getNode":      "get",
	"getNodeAll":   "getall",
	"getChildren":  "ls",
	"getChildren2": "ls2",
	"exists":       "stat",
	"delete":       "rmr",
	"quit":         "exit",
}

type Shell struct {
	dial    Dialer
	conn    Conn
	group   string
	timeout time.Duration
	running bool
	log     *logrus.Entry
}

func NewShell(dial Dialer, timeout time.Duration, log *logrus.Entry) *Shell {
	return &Shell{
		dial:    dial,
		timeout: timeout,
		running: true,
		log:     log,
	}
}

// Prompt returns the prompt, which names the group once connected.
func (s *Shell) Prompt() string {
	if s.conn == nil {
		return defaultPrompt
	}
	return s.group + ">>"
}

// Running reports whether the shell still reads commands.
func (s *Shell) Running() bool {
	return s.running
}

// Run reads commands from in until exit or the end of the input.
func (s *Shell) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for s.running {
		if _, err := fmt.Fprintf(out, "\n %s ", s.Prompt()); err != nil {
			return err
		}
		if !scanner.Scan() {
			break
		}
		if resp := s.Handle(ctx, scanner.Text()); resp != "" {
			if _, err := fmt.Fprintln(out, resp); err != nil {
				return err
			}
		}
	}
	if s.conn != nil {
		_, _ = s.disconnect(ctx, nil)
	}
	return scanner.Err()
}

// Handle runs a single line and returns what to print.
func (s *Shell) Handle(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	name, args := fields[0], fields[1:]
	if alias, ok := aliases[name]; ok {
		name = alias
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Sprintf("Unknown command %s. Type help for the list of commands.", name)
	}
	if !cmd.offline && s.conn == nil {
		return "Client is not connected"
	}
	if len(args) < cmd.argc {
		return fmt.Sprintf("Error: Not enough arguments - %s", cmd.usage)
	}

	resp, err := cmd.run(s, ctx, args)
	if err != nil {
		s.log.WithError(err).WithField("cmd", name).Debug("Command failed")
		return fmt.Sprintf("Error: %v", err)
	}
	return resp
}

func (s *Shell) help(_ context.Context, args []string) (string, error) {
	names := order
	if len(args) > 0 {
		if _, ok := commands[args[0]]; !ok {
			return "", fmt.Errorf("unknown command %s", args[0])
		}
		names = args[:1]
	}

	cols := []string{"cmd", "usage", "describe"}
	table, err := gotable.Create(cols...)
	if err != nil {
		return "", err
	}
	for _, col := range cols {
		table.Align(col, cell.AlignLeft)
	}
	table.CloseBorder()
	for _, name := range names {
		cmd := commands[name]
		if err := table.AddRow([]string{name, cmd.usage, cmd.desc}); err != nil {
			return "", err
		}
	}
	return table.String(), nil
}

func (s *Shell) connect(_ context.Context, args []string) (string, error) {
	if s.conn != nil {
		return "Client is already connected to a server.", nil
	}
	conn, err := s.dial(args[0])
	if err != nil {
		return "", fmt.Errorf("connecting to %s: %w", args[0], err)
	}
	s.conn = conn
	s.group = args[0]
	return fmt.Sprintf("Connected to %s", args[0]), nil
}

func (s *Shell) disconnect(_ context.Context, _ []string) (string, error) {
	if s.conn == nil {
		return "Client is not connected", nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.group = ""
	if err != nil {
		return "", err
	}
	return "Disconnected", nil
}

func (s *Shell) exit(ctx context.Context, _ []string) (string, error) {
	if s.conn != nil {
		if _, err := s.disconnect(ctx, nil); err != nil {
			s.log.WithError(err).Warn("Failed to disconnect")
		}
	}
	s.running = false
	return "Goodbye", nil
}

// keeperCall returns a command that sends op to the group. Everything after the path is the data.
func keeperCall(op dwarf.OpCode) func(s *Shell, ctx context.Context, args []string) (string, error) {
	return func(s *Shell, ctx context.Context, args []string) (string, error) {
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		stat, err := Call(ctx, s.conn, op, args)
		if err != nil {
			return "", err
		}
		return FormatStat(stat)
	}
}

// Call runs op with the given arguments against k.
func Call(ctx context.Context, k dwarf.Keeper, op dwarf.OpCode, args []string) (*dwarf.Stat, error) {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	data := ""
	if len(args) > 1 {
		data = strings.Join(args[1:], " ")
	}
	switch op {
	case dwarf.CREATE:
		return k.Create(ctx, path, data)
	case dwarf.SET_NODE:
		return k.SetNode(ctx, path, data)
	case dwarf.DELETE:
		return k.Delete(ctx, path)
	case dwarf.GET_NODE:
		return k.GetNode(ctx, path)
	case dwarf.GET_ALL:
		return k.GetNodeAll(ctx, path)
	case dwarf.GET_CHILDREN:
		return k.GetChildren(ctx, path)
	case dwarf.GET_CHILDREN2:
		return k.GetChildren2(ctx, path)
	case dwarf.EXISTS:
		return k.Exists(ctx, path)
	case dwarf.TEST:
		return k.Test(ctx, strings.Join(args, " "))
	default:
		return nil, fmt.Errorf("unknown operation %s", op)
	}
}

// FormatStat renders a reply. Node stats become a table, everything else a single line.
func FormatStat(stat *dwarf.Stat) (string, error) {
	if stat.Failed() {
		return stat.Err, nil
	}
	if stat.NumChildren < 0 {
		return stat.Info, nil
	}

	table, err := gotable.Create("field", "value")
	if err != nil {
		return "", err
	}
	table.Align("field", cell.AlignLeft)
	table.Align("value", cell.AlignLeft)
	rows := [][]string{
		{"name", stat.Name},
		{"ctime", formatTime(stat.CTime)},
		{"mtime", formatTime(stat.MTime)},
		{"numChildren", strconv.Itoa(stat.NumChildren)},
		{"children", stat.ChildList},
		{"data", stat.Data},
	}
	for _, row := range rows {
		if err := table.AddRow(row); err != nil {
			return "", err
		}
	}
	return table.String(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
