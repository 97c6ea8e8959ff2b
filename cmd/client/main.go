package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mikekulinski/dwarfkeeper/pkg/client"
	"github.com/mikekulinski/dwarfkeeper/pkg/common"
	"github.com/mikekulinski/dwarfkeeper/pkg/config"
	"github.com/mikekulinski/dwarfkeeper/pkg/dwarf"
	"github.com/mikekulinski/dwarfkeeper/pkg/shell"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const appName = "dwarfcli"

var (
	cfg    *config.ClientConfig
	logger *logrus.Entry

	rootCmd = &cobra.Command{
		Use:               appName,
		Short:             "Talk to a DwarfKeeper group",
		PersistentPreRunE: processConfig,
		SilenceUsage:      true,
	}

	shellCmd = &cobra.Command{
		Use:   "shell [group]",
		Short: "Start an interactive shell, connected to group if given",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runShell,
	}
)

// oneShot describes a subcommand that sends a single operation.
type oneShot struct {
	use   string
	short string
	op    dwarf.OpCode
	args  cobra.PositionalArgs
}

var oneShots = []oneShot{
	{"create <path> <data>", "Create a node", dwarf.CREATE, cobra.MinimumNArgs(2)},
	{"set <path> <data>", "Replace the data of a node", dwarf.SET_NODE, cobra.MinimumNArgs(2)},
	{"get <path>", "Show the stat and data of a node", dwarf.GET_NODE, cobra.ExactArgs(1)},
	{"getall <path>", "Show the stat, data and children of a node", dwarf.GET_ALL, cobra.ExactArgs(1)},
	{"ls <path>", "List the children of a node", dwarf.GET_CHILDREN, cobra.ExactArgs(1)},
	{"ls2 <path>", "Show the stat and children of a node", dwarf.GET_CHILDREN2, cobra.ExactArgs(1)},
	{"stat <path>", "Show the stat of a node if it exists", dwarf.EXISTS, cobra.ExactArgs(1)},
	{"rmr <path>", "Delete a node and everything below it", dwarf.DELETE, cobra.ExactArgs(1)},
	{"test [msg]", "Check that the group answers", dwarf.TEST, cobra.ArbitraryArgs},
}

func init() {
	cobra.OnInitialize(config.Init)
	config.SetupClientFlags(rootCmd)

	rootCmd.AddCommand(shellCmd)
	for _, o := range oneShots {
		rootCmd.AddCommand(o.command())
	}
}

func (o oneShot) command() *cobra.Command {
	return &cobra.Command{
		Use:   o.use,
		Short: o.short,
		Args:  o.args,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.Dial(cfg.Hub, cfg.Group)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
			defer cancel()
			stat, err := shell.Call(ctx, c, o.op, args)
			if err != nil {
				return err
			}
			out, err := shell.FormatStat(stat)
			if err != nil {
				return err
			}
			cmd.Println(out)
			if stat.Failed() {
				return fmt.Errorf("%s failed", o.op)
			}
			return nil
		},
	}
}

func runShell(cmd *cobra.Command, args []string) error {
	dial := func(groupName string) (shell.Conn, error) {
		c, err := client.Dial(cfg.Hub, groupName)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	s := shell.NewShell(dial, cfg.Timeout, logger)
	if len(args) == 1 {
		cmd.Println(s.Handle(cmd.Context(), "connect "+args[0]))
	}
	return s.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
}

// processConfig reads flags and environment into cfg and sets up the logger.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := config.BindCommandFlags(viper.GetViper(), cmd); err != nil {
		return err
	}
	c, err := config.LoadClientConfig(viper.GetViper())
	if err != nil {
		return err
	}
	l, err := common.InitLogger(c.LogLevel, appName)
	if err != nil {
		return err
	}
	cfg = c
	logger = logrus.NewEntry(l)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
