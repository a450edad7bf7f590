package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/marksync/internal/httpapi"
	"github.com/agentworkforce/marksync/internal/marksync"
	"github.com/agentworkforce/marksync/internal/mount"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := openApp(ctx, c.cfg, c.logger, true)
			if err != nil {
				return err
			}
			defer a.Close()

			serverCfg := httpapi.ServerConfig{
				JWTSecret:       c.cfg.Server.JWTSecret,
				RateLimitMax:    c.cfg.Server.RateLimitMax,
				RateLimitWindow: c.cfg.Server.RateLimitWindow,
				MaxBodyBytes:    c.cfg.Server.MaxBodyBytes,
			}
			if a.bridge != nil {
				serverCfg.Bridge = a.bridge
			}
			server := &http.Server{
				Addr:              c.cfg.Server.Addr,
				Handler:           httpapi.NewServerWithConfig(a.engine, serverCfg),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				c.logger.WithField("addr", server.Addr).Info("marksync listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				runResyncLoop(gctx, a.engine, c.cfg.Resync, c.logger)
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	_ = c.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func (c *cli) resyncCmd() *cobra.Command {
	var groupID string
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Rebuild the local items from the host tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), c.cfg, c.logger, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if !a.engine.HostAvailable() {
				return fmt.Errorf("%w: no host tree configured", marksync.ErrUnavailable)
			}
			role := marksync.RootRole()
			if groupID != "" {
				role = marksync.RoleForGroup(groupID)
			}
			set, err := a.engine.Resync(cmd.Context(), role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resynced %s: %d items in %d containers\n", set.Role, len(set.Items), len(set.Containers))
			return nil
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "resync only this group (home for the default group)")
	return cmd
}

func (c *cli) treeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Print the workspace as an outline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), c.cfg, c.logger, false)
			if err != nil {
				return err
			}
			defer a.Close()
			return mount.Fprint(cmd.OutOrStdout(), mount.BuildView(a.engine))
		},
	}
}

func (c *cli) groupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List, add or remove workspace groups",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List groups and their container folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), c.cfg, c.logger, false)
			if err != nil {
				return err
			}
			defer a.Close()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCONTAINER")
			for _, group := range a.engine.Groups() {
				container := group.ContainerID
				if container == "" {
					container = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", group.ID, group.Name, container)
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add NAME",
		Short: "Create a group and its container folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c.cfg, c.logger, false)
			if err != nil {
				return err
			}
			defer a.Close()
			group, err := a.engine.AddGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), group.ID)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove ID",
		Short: "Remove a group, its items and its container folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), c.cfg, c.logger, false)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.engine.RemoveGroup(cmd.Context(), args[0])
		},
	})
	return cmd
}

func (c *cli) mountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount DIR",
		Short: "Mount a read-only view of the workspace at DIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := openApp(ctx, c.cfg, c.logger, true)
			if err != nil {
				return err
			}
			defer a.Close()
			go runResyncLoop(ctx, a.engine, c.cfg.Resync, c.logger)
			return mount.Serve(ctx, args[0], a.engine, mount.Options{
				CacheTimeout: c.cfg.Mount.CacheTimeout,
				AllowOther:   c.cfg.Mount.AllowOther,
				Logger:       c.logger,
			})
		},
	}
	cmd.Flags().Bool("allow-other", false, "let other users read the mount")
	_ = c.v.BindPFlag("mount.allow_other", cmd.Flags().Lookup("allow-other"))
	return cmd
}

func (c *cli) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(c.cfg.redacted()); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

const redactedValue = "<redacted>"

func (c Config) redacted() Config {
	if c.Server.JWTSecret != "" {
		c.Server.JWTSecret = redactedValue
	}
	if c.Host.BridgeToken != "" {
		c.Host.BridgeToken = redactedValue
	}
	if c.State.ProductionDSN != "" {
		c.State.ProductionDSN = redactedValue
	}
	return c
}
