package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/marksync/internal/hosttree"
	"github.com/agentworkforce/marksync/internal/hosttree/bridge"
	"github.com/agentworkforce/marksync/internal/hosttree/filehost"
	"github.com/agentworkforce/marksync/internal/marksync"
	"github.com/agentworkforce/marksync/internal/state"
)

// app is one running engine with the host and state it was built from.
type app struct {
	cfg    Config
	logger *logrus.Logger
	engine *marksync.Engine
	ws     *state.Workspace
	file   *filehost.Host
	bridge *bridge.Bridge
}

func newLogger(cfg LogConfig, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	logger.SetLevel(level)
	switch cfg.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unsupported log.format %q", cfg.Format)
	}
	return logger, nil
}

func openState(cfg StateConfig) (*state.Workspace, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		profileDSN, err := state.ProfileDSN(cfg.Profile, cfg.DataDir, cfg.ProductionDSN)
		if err != nil {
			return nil, err
		}
		dsn = profileDSN
	}
	backend, err := state.BuildBackendFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}
	ws, err := state.OpenWorkspace(backend)
	if err != nil {
		_ = state.Close(backend)
		return nil, err
	}
	return ws, nil
}

// openApp builds the state, host and engine. Only a live app starts the
// engine: it subscribes to host events, bootstraps every container and, for
// the file host, follows out-of-band edits. One-shot commands leave the host
// alone unless the command itself writes.
func openApp(ctx context.Context, cfg Config, logger *logrus.Logger, live bool) (*app, error) {
	ws, err := openState(cfg.State)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, ws: ws}

	var host hosttree.Host
	switch cfg.Host.Kind {
	case hostFile:
		if cfg.Host.BookmarksFile == "" {
			a.Close()
			return nil, errors.New("host.bookmarks_file is required for host.kind=file")
		}
		a.file, err = filehost.Open(filehost.Options{
			Path:     cfg.Host.BookmarksFile,
			Debounce: cfg.Host.Debounce,
			Logger:   logger,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		host = a.file
	case hostBridge:
		a.bridge = bridge.New(bridge.Options{
			Token:          cfg.Host.BridgeToken,
			OriginPatterns: cfg.Host.BridgeOrigins,
			Logger:         logger,
		})
		host = a.bridge
	case hostMemory:
		host = hosttree.NewMemoryHost()
	}

	a.engine, err = marksync.New(marksync.Options{
		Host:   host,
		State:  ws,
		Config: cfg.Engine,
		Logger: logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if !live {
		return a, nil
	}
	if a.bridge != nil {
		a.bridge.OnConnect(func() {
			if _, err := a.engine.ResyncAll(ctx); err != nil {
				logger.WithError(err).Warn("resync after extension connect failed")
			}
		})
	}
	if err := a.engine.Start(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if a.file != nil {
		if err := a.file.Watch(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("watch bookmarks file: %w", err)
		}
	}
	return a, nil
}

func (a *app) Close() {
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.file != nil {
		_ = a.file.Close()
	}
	if a.bridge != nil {
		_ = a.bridge.Close()
	}
	if a.ws != nil {
		if err := state.Close(a.ws.Backend()); err != nil {
			a.logger.WithError(err).Warn("close state backend")
		}
	}
}
