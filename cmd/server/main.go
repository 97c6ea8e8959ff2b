package main

import (
	"os"

	"github.com/mikekulinski/dwarfkeeper/pkg/common"
	"github.com/mikekulinski/dwarfkeeper/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const appName = "dwarfkeeper"

var (
	cfg    *config.ServerConfig
	logger *logrus.Entry

	rootCmd = &cobra.Command{
		Use:               appName,
		Short:             "Run the hub, replicas and loggers of a DwarfKeeper group",
		PersistentPreRunE: processConfig,
		SilenceUsage:      true,
	}
)

func init() {
	cobra.OnInitialize(config.Init)
	config.SetupServerFlags(rootCmd)

	rootCmd.AddCommand(hubCmd)
	rootCmd.AddCommand(replicaCmd)
	rootCmd.AddCommand(loggerCmd)
	rootCmd.AddCommand(devCmd)
}

// processConfig reads flags and environment into cfg and sets up the logger.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := config.BindCommandFlags(viper.GetViper(), cmd); err != nil {
		return err
	}
	c, err := config.LoadServerConfig(viper.GetViper())
	if err != nil {
		return err
	}
	l, err := common.InitLogger(c.LogLevel, appName)
	if err != nil {
		return err
	}
	cfg = c
	logger = logrus.NewEntry(l).WithField("group", c.Group)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
