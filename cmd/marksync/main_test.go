package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/marksync/internal/marksync"
	"github.com/agentworkforce/marksync/internal/state"
	"github.com/agentworkforce/marksync/internal/tree"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marksync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigLayersFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
host:
  kind: memory
engine:
  depth_ceiling: 4
  lock_bulk: 5s
resync:
  interval: 90s
server:
  addr: 127.0.0.1:9000
`)
	t.Setenv("MARKSYNC_SERVER_ADDR", "0.0.0.0:7000")
	t.Setenv("MARKSYNC_SERVER_JWT_SECRET", "s3cret")

	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, hostMemory, cfg.Host.Kind)
	assert.Equal(t, 4, cfg.Engine.DepthCeiling)
	assert.Equal(t, 5*time.Second, cfg.Engine.LockBulk)
	assert.Equal(t, marksync.DefaultConfig().LockSingle, cfg.Engine.LockSingle, "unset keys keep defaults")
	assert.Equal(t, 90*time.Second, cfg.Resync.Interval)
	assert.Equal(t, 0.2, cfg.Resync.Jitter)
	assert.Equal(t, "0.0.0.0:7000", cfg.Server.Addr, "env beats file")
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Equal(t, []string{"chrome-extension://*"}, cfg.Host.BridgeOrigins)
}

func TestLoadConfigRejectsUnknownHost(t *testing.T) {
	path := writeConfig(t, "host:\n  kind: safari\n")
	_, err := loadConfig(viper.New(), path)
	assert.ErrorContains(t, err, "unsupported host.kind")
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := loadConfig(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	require.NoError(t, root.Execute(), errOut.String())
	return out.String()
}

func TestGroupsAndTreeCommandsShareState(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
host:
  kind: ""
state:
  dsn: file://`+filepath.Join(dir, "state.json")+`
log:
  level: error
`)

	id := strings.TrimSpace(runCLI(t, "--config", path, "groups", "add", "Research"))
	require.NotEmpty(t, id)

	listed := runCLI(t, "--config", path, "groups", "list")
	assert.Contains(t, listed, "home")
	assert.Contains(t, listed, "Home")
	assert.Contains(t, listed, id)
	assert.Contains(t, listed, "Research")

	outline := runCLI(t, "--config", path, "tree")
	assert.Equal(t, "Home/\nResearch/\n", outline)

	runCLI(t, "--config", path, "groups", "remove", id)
	listed = runCLI(t, "--config", path, "groups", "list")
	assert.NotContains(t, listed, "Research")
}

func TestReadOnlyCommandsLeaveStateAlone(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	backend, err := state.BuildBackendFromDSN("file://" + statePath)
	require.NoError(t, err)
	ws, err := state.OpenWorkspace(backend)
	require.NoError(t, err)
	saved := []tree.Item{
		{ID: "f1", Type: tree.TypeFolder, GroupID: tree.HomeGroupID, Title: "Reading", ExternalID: "10"},
		{ID: "s1", Type: tree.TypeShortcut, GroupID: tree.HomeGroupID, ParentID: "f1", Title: "Go", URL: "https://go.dev/", ExternalID: "11"},
	}
	require.NoError(t, ws.SaveItems(saved))
	require.NoError(t, state.Close(backend))

	path := writeConfig(t, `
host:
  kind: memory
state:
  dsn: file://`+statePath+`
log:
  level: error
`)
	outline := runCLI(t, "--config", path, "tree")
	assert.Equal(t, "Home/\n  Reading/\n    Go.url\n", outline)
	runCLI(t, "--config", path, "groups", "list")

	backend, err = state.BuildBackendFromDSN("file://" + statePath)
	require.NoError(t, err)
	defer state.Close(backend)
	ws, err = state.OpenWorkspace(backend)
	require.NoError(t, err)
	assert.Len(t, ws.Items(), 2, "a fresh host must not replace the persisted items")
	_, bound := ws.Get(state.KeyRootFolderID)
	assert.False(t, bound, "read-only commands create no containers")
}

func TestResyncCommandNeedsHost(t *testing.T) {
	path := writeConfig(t, "host:\n  kind: \"\"\nstate:\n  profile: memory\nlog:\n  level: error\n")
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", path, "resync"})
	err := root.Execute()
	assert.ErrorIs(t, err, marksync.ErrUnavailable)

	out := runCLI(t, "--config", path, "--host", "memory", "resync")
	assert.Contains(t, out, "resynced root")
}

func TestConfigCommandPrintsRedactedYAML(t *testing.T) {
	path := writeConfig(t, `
host:
  kind: memory
  bridge_token: tok
server:
  jwt_secret: topsecret
resync:
  interval: 90s
`)
	out := runCLI(t, "--config", path, "config")
	assert.Contains(t, out, "kind: memory")
	assert.Contains(t, out, "interval: 1m30s")
	assert.Contains(t, out, "jwt_secret: "+redactedValue)
	assert.NotContains(t, out, "topsecret")
	assert.NotContains(t, out, "tok\n")
}

func TestNewLoggerValidates(t *testing.T) {
	logger, err := newLogger(LogConfig{Level: "debug", Format: "json"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	_, err = newLogger(LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, err = newLogger(LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

type fakeResyncer struct {
	calls int
	err   error
}

func (f *fakeResyncer) ResyncAll(ctx context.Context) (marksync.ReplaceSet, error) {
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return marksync.ReplaceSet{}, errors.New("expected a deadline")
	}
	return marksync.ReplaceSet{}, f.err
}

func TestResyncOnceLogsFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := &fakeResyncer{err: errors.New("host went away")}
	resyncOnce(context.Background(), r, time.Second, logger)
	require.Equal(t, 1, r.calls)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "periodic resync failed", hook.LastEntry().Message)
}

func TestRunResyncLoopStopsWithContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runResyncLoop(ctx, &fakeResyncer{}, ResyncConfig{Interval: time.Hour}, logger)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("resync loop did not stop")
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Minute
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Minute {
		t.Fatalf("expected min jitter interval 8m, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Minute {
		t.Fatalf("expected midpoint jitter interval 10m, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Minute {
		t.Fatalf("expected max jitter interval 12m, got %s", got)
	}
}
