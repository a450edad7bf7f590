package mount

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
)

const defaultCacheTimeout = time.Second

type Options struct {
	// CacheTimeout bounds how long the kernel may cache names and
	// attributes before asking again.
	CacheTimeout time.Duration
	AllowOther   bool
	Debug        bool
	Logger       logrus.FieldLogger
}

// dirNode is a directory of the view, addressed by its path from the mount
// root. Every lookup rebuilds the view from the source, so the mount always
// reflects the current item store.
type dirNode struct {
	fs.Inode
	src  Source
	path []string
}

var (
	_ fs.NodeReaddirer = (*dirNode)(nil)
	_ fs.NodeLookuper  = (*dirNode)(nil)
	_ fs.NodeGetattrer = (*dirNode)(nil)
)

func (d *dirNode) entry() (*Entry, bool) {
	return BuildView(d.src).Walk(d.path)
}

func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dir, ok := d.entry()
	if !ok {
		return nil, syscall.ENOENT
	}
	return fs.NewListDirStream(dirEntries(dir)), 0
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	dir, ok := d.entry()
	if !ok {
		return nil, syscall.ENOENT
	}
	child, ok := dir.Child(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	if child.Dir {
		out.Mode = fuse.S_IFDIR | 0o555
		path := append(append([]string(nil), d.path...), name)
		return d.NewInode(ctx, &dirNode{src: d.src, path: path}, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
	}
	out.Mode = fuse.S_IFREG | 0o444
	out.Size = uint64(len(child.Data))
	file := &fs.MemRegularFile{Data: child.Data, Attr: fuse.Attr{Mode: 0o444}}
	return d.NewInode(ctx, file, fs.StableAttr{Mode: fuse.S_IFREG}), 0
}

func (d *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0o555
	return 0
}

func dirEntries(dir *Entry) []fuse.DirEntry {
	entries := make([]fuse.DirEntry, 0, len(dir.Children))
	for _, child := range dir.Children {
		mode := uint32(fuse.S_IFREG)
		if child.Dir {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: child.Name, Mode: mode})
	}
	return entries
}

// Serve mounts the view of src at dir and blocks until ctx is done or the
// filesystem is unmounted externally.
func Serve(ctx context.Context, dir string, src Source, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.CacheTimeout
	if timeout <= 0 {
		timeout = defaultCacheTimeout
	}
	server, err := fs.Mount(dir, &dirNode{src: src}, &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       "marksync",
			FsName:     "marksync",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
			Options:    []string{"ro"},
		},
		EntryTimeout:    &timeout,
		AttrTimeout:     &timeout,
		NegativeTimeout: &timeout,
	})
	if err != nil {
		return err
	}
	logger.WithField("dir", dir).Info("bookmarks mounted")

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := server.Unmount(); err != nil {
				logger.WithError(err).Warn("unmount failed")
			}
		case <-done:
		}
	}()
	server.Wait()
	close(done)
	logger.WithField("dir", dir).Info("bookmarks unmounted")
	return nil
}
