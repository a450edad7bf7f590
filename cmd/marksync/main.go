package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the configuration loaded once per invocation.
type cli struct {
	cfgFile string
	v       *viper.Viper
	cfg     Config
	logger  *logrus.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	root := &cobra.Command{
		Use:           "marksync",
		Short:         "Keep a workspace of grouped bookmarks in sync with the browser's bookmark tree",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c.v, c.cfgFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			c.cfg, c.logger = cfg, logger
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/marksync/marksync.yaml)")
	flags.String("host", "", "host tree: file, bridge or memory")
	flags.String("bookmarks-file", "", "Chromium Bookmarks file for host=file")
	flags.String("state-dsn", "", "state backend DSN (memory://, file://, sqlite://, postgres://)")
	flags.String("state-profile", "", "state profile: memory, durable-local, json or production")
	flags.String("log-level", "", "log level")
	flags.String("log-format", "", "log format: text or json")
	for key, name := range map[string]string{
		"host.kind":           "host",
		"host.bookmarks_file": "bookmarks-file",
		"state.dsn":           "state-dsn",
		"state.profile":       "state-profile",
		"log.level":           "log-level",
		"log.format":          "log-format",
	} {
		_ = c.v.BindPFlag(key, flags.Lookup(name))
	}

	root.AddCommand(
		c.serveCmd(),
		c.resyncCmd(),
		c.treeCmd(),
		c.groupsCmd(),
		c.mountCmd(),
		c.configCmd(),
	)
	return root
}
