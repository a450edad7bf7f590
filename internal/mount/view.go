// Package mount exposes the local item store as a read-only filesystem.
// Every group is a top-level directory, folders are directories and
// shortcuts are Internet Shortcut files ending in ".url".
package mount

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/agentworkforce/marksync/internal/tree"
)

const (
	shortcutExt  = ".url"
	untitledName = "untitled"
)

// Source is what the view is built from. marksync.Engine satisfies it.
type Source interface {
	Items() []tree.Item
	Groups() []tree.Group
}

// Entry is one node of the view. Directories have Children, files have Data.
type Entry struct {
	Name     string
	ItemID   string
	Dir      bool
	Data     []byte
	Children []*Entry
}

// Child returns the direct child called name.
func (e *Entry) Child(name string) (*Entry, bool) {
	for _, child := range e.Children {
		if child.Name == name {
			return child, true
		}
	}
	return nil, false
}

// Walk follows path components from e.
func (e *Entry) Walk(path []string) (*Entry, bool) {
	current := e
	for _, name := range path {
		next, ok := current.Child(name)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// BuildView snapshots src into a directory tree. Sibling order follows item
// positions; clashing names get a " (n)" suffix.
func BuildView(src Source) *Entry {
	children := map[tree.Scope][]tree.Item{}
	for _, item := range src.Items() {
		if !item.Mirrored() {
			continue
		}
		children[item.Scope()] = append(children[item.Scope()], item)
	}
	for scope := range children {
		tree.SortByPosition(children[scope])
	}

	var build func(groupID, parentID string) []*Entry
	build = func(groupID, parentID string) []*Entry {
		items := children[tree.Scope{GroupID: groupID, ParentID: parentID}]
		names := newNamer()
		out := make([]*Entry, 0, len(items))
		for _, item := range items {
			entry := &Entry{ItemID: item.ID}
			if item.IsFolder() {
				entry.Dir = true
				entry.Name = names.take(cleanName(item.Title), "")
				entry.Children = build(groupID, item.ID)
			} else {
				entry.Name = names.take(cleanName(item.Title), shortcutExt)
				entry.Data = shortcutFile(item.URL)
			}
			out = append(out, entry)
		}
		return out
	}

	root := &Entry{Dir: true}
	names := newNamer()
	for _, group := range src.Groups() {
		root.Children = append(root.Children, &Entry{
			Name:     names.take(cleanName(group.Name), ""),
			Dir:      true,
			Children: build(group.ID, ""),
		})
	}
	return root
}

// Fprint writes the view as an indented outline.
func Fprint(w io.Writer, root *Entry) error {
	var walk func(entries []*Entry, depth int) error
	walk = func(entries []*Entry, depth int) error {
		for _, entry := range entries {
			name := entry.Name
			if entry.Dir {
				name += "/"
			}
			if _, err := fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), name); err != nil {
				return err
			}
			if err := walk(entry.Children, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root.Children, 0)
}

func shortcutFile(url string) []byte {
	return []byte("[InternetShortcut]\r\nURL=" + url + "\r\n")
}

// cleanName makes a title usable as a single path component.
func cleanName(title string) string {
	name := norm.NFC.String(strings.TrimSpace(title))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == 0:
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return untitledName
	}
	return name
}

type namer map[string]struct{}

func newNamer() namer {
	return namer{}
}

func (n namer) take(base, ext string) string {
	name := base + ext
	for i := 2; ; i++ {
		if _, used := n[name]; !used {
			break
		}
		name = fmt.Sprintf("%s (%d)%s", base, i, ext)
	}
	n[name] = struct{}{}
	return name
}
