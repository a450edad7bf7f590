package marksync

import (
	"time"

	"github.com/agentworkforce/marksync/internal/hosttree"
)

const (
	defaultWorkspaceTitle = "Marksync"
	defaultHomeTitle      = "Home"
	defaultDepthCeiling   = 3
	defaultLockSingle     = time.Second
	defaultLockBulk       = 3 * time.Second
	defaultLockPerItem    = 150 * time.Millisecond
	defaultFolderTitle    = "New folder"
)

// Config tunes the engine. Zero values fall back to the defaults.
type Config struct {
	// DepthCeiling bounds item nesting. Items directly under a container are
	// at depth 1.
	DepthCeiling int `mapstructure:"depth_ceiling" yaml:"depth_ceiling"`
	// LockSingle is the write-lock window for one host write.
	LockSingle time.Duration `mapstructure:"lock_single" yaml:"lock_single"`
	// LockBulk plus LockPerItem per node is the window for multi-node writes.
	LockBulk       time.Duration `mapstructure:"lock_bulk" yaml:"lock_bulk"`
	LockPerItem    time.Duration `mapstructure:"lock_per_item" yaml:"lock_per_item"`
	WorkspaceTitle string        `mapstructure:"workspace_title" yaml:"workspace_title"`
	HomeTitle      string        `mapstructure:"home_title" yaml:"home_title"`
	// BarID is the host folder the workspace root is created under.
	BarID string `mapstructure:"bar_id" yaml:"bar_id"`
}

func DefaultConfig() Config {
	return Config{
		DepthCeiling:   defaultDepthCeiling,
		LockSingle:     defaultLockSingle,
		LockBulk:       defaultLockBulk,
		LockPerItem:    defaultLockPerItem,
		WorkspaceTitle: defaultWorkspaceTitle,
		HomeTitle:      defaultHomeTitle,
		BarID:          hosttree.BookmarksBarID,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DepthCeiling <= 0 {
		c.DepthCeiling = d.DepthCeiling
	}
	if c.LockSingle <= 0 {
		c.LockSingle = d.LockSingle
	}
	if c.LockBulk <= 0 {
		c.LockBulk = d.LockBulk
	}
	if c.LockPerItem < 0 {
		c.LockPerItem = d.LockPerItem
	}
	if c.WorkspaceTitle == "" {
		c.WorkspaceTitle = d.WorkspaceTitle
	}
	if c.HomeTitle == "" {
		c.HomeTitle = d.HomeTitle
	}
	if c.BarID == "" {
		c.BarID = d.BarID
	}
	return c
}

// bulkLock sizes the write-lock window for n sequential host writes.
func (c Config) bulkLock(n int) time.Duration {
	if n <= 1 {
		return c.LockSingle
	}
	return c.LockBulk + time.Duration(n)*c.LockPerItem
}
