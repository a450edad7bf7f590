package filehost

import (
	"bytes"
	"crypto/md5"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/encoding/unicode"

	"github.com/agentworkforce/marksync/internal/hosttree"
)

// ErrInvalidDocument is returned when a bookmarks file fails to parse or
// validate.
var ErrInvalidDocument = errors.New("invalid bookmarks document")

//go:embed bookmarks.schema.json
var schemaJSON []byte

const (
	schemaURL       = "https://marksync.local/bookmarks.schema.json"
	documentVersion = 1
	typeFolder      = "folder"
	typeURL         = "url"
	// Seconds between 1601-01-01 and the Unix epoch.
	windowsEpochOffset = 11644473600
)

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func bookmarksSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// fileNode mirrors one entry of the Chromium format. Children is a pointer so
// that folders always carry a "children" key while urls never do.
type fileNode struct {
	ID           string      `json:"id"`
	GUID         string      `json:"guid,omitempty"`
	Name         string      `json:"name"`
	Type         string      `json:"type"`
	URL          string      `json:"url,omitempty"`
	DateAdded    string      `json:"date_added,omitempty"`
	DateModified string      `json:"date_modified,omitempty"`
	Children     *[]fileNode `json:"children,omitempty"`
}

type fileRoots struct {
	BookmarkBar fileNode `json:"bookmark_bar"`
	Other       fileNode `json:"other"`
	Synced      fileNode `json:"synced"`
}

type document struct {
	Checksum     string    `json:"checksum"`
	Roots        fileRoots `json:"roots"`
	SyncMetadata string    `json:"sync_metadata,omitempty"`
	Version      int       `json:"version"`
}

// nodeMeta carries the fields Node does not model so they survive a
// load/save round trip.
type nodeMeta struct {
	GUID         string
	DateAdded    string
	DateModified string
}

// decoded is a parsed bookmarks file.
type decoded struct {
	root         hosttree.Node
	meta         map[string]nodeMeta
	syncMetadata string
}

func chromeTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro()+windowsEpochOffset*1_000_000, 10)
}

func emptyFolder(id, name string, now time.Time) fileNode {
	children := []fileNode{}
	return fileNode{
		ID:        id,
		GUID:      uuid.NewString(),
		Name:      name,
		Type:      typeFolder,
		DateAdded: chromeTime(now),
		Children:  &children,
	}
}

// newDocument returns an empty profile with the three fixed roots.
func newDocument(now time.Time) document {
	return document{
		Roots: fileRoots{
			BookmarkBar: emptyFolder(hosttree.BookmarksBarID, "Bookmarks bar", now),
			Other:       emptyFolder(hosttree.OtherFolderID, "Other bookmarks", now),
			Synced:      emptyFolder(hosttree.MobileFolderID, "Mobile bookmarks", now),
		},
		Version: documentVersion,
	}
}

// decode validates data against the bookmarks schema and converts it into a
// host tree rooted at the invisible root node.
func decode(data []byte) (decoded, error) {
	schema, err := bookmarksSchema()
	if err != nil {
		return decoded{}, fmt.Errorf("compile bookmarks schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return decoded{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := schema.Validate(inst); err != nil {
		return decoded{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return decoded{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	out := decoded{meta: map[string]nodeMeta{}, syncMetadata: doc.SyncMetadata}
	seen := map[string]bool{hosttree.RootID: true}
	var convert func(n fileNode, parentID string, index int) (hosttree.Node, error)
	convert = func(n fileNode, parentID string, index int) (hosttree.Node, error) {
		if seen[n.ID] {
			return hosttree.Node{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidDocument, n.ID)
		}
		seen[n.ID] = true
		out.meta[n.ID] = nodeMeta{GUID: n.GUID, DateAdded: n.DateAdded, DateModified: n.DateModified}
		node := hosttree.Node{ID: n.ID, ParentID: parentID, Index: index, Title: n.Name}
		if n.Type == typeURL {
			node.Kind = hosttree.KindShortcut
			node.URL = n.URL
			return node, nil
		}
		node.Kind = hosttree.KindFolder
		if n.Children == nil {
			return node, nil
		}
		for i, child := range *n.Children {
			converted, err := convert(child, n.ID, i)
			if err != nil {
				return hosttree.Node{}, err
			}
			node.Children = append(node.Children, converted)
		}
		return node, nil
	}

	out.root = hosttree.Node{ID: hosttree.RootID, Kind: hosttree.KindFolder}
	roots := []fileNode{doc.Roots.BookmarkBar, doc.Roots.Other}
	if doc.Roots.Synced.ID != "" {
		roots = append(roots, doc.Roots.Synced)
	}
	for i, r := range roots {
		converted, err := convert(r, hosttree.RootID, i)
		if err != nil {
			return decoded{}, err
		}
		out.root.Children = append(out.root.Children, converted)
	}
	return out, nil
}

// encode renders root back into the Chromium format. Nodes without metadata
// get a fresh guid and the current time as date_added.
func encode(root hosttree.Node, meta map[string]nodeMeta, syncMetadata string, now time.Time) ([]byte, error) {
	if len(root.Children) < 2 {
		return nil, fmt.Errorf("%w: root needs at least the bar and other folders", ErrInvalidDocument)
	}
	var convert func(n hosttree.Node) fileNode
	convert = func(n hosttree.Node) fileNode {
		m, ok := meta[n.ID]
		if !ok {
			m = nodeMeta{GUID: uuid.NewString(), DateAdded: chromeTime(now)}
			meta[n.ID] = m
		}
		out := fileNode{ID: n.ID, GUID: m.GUID, Name: n.Title, DateAdded: m.DateAdded}
		if !n.IsFolder() {
			out.Type = typeURL
			out.URL = n.URL
			return out
		}
		out.Type = typeFolder
		out.DateModified = m.DateModified
		children := make([]fileNode, 0, len(n.Children))
		for _, child := range n.Children {
			children = append(children, convert(child))
		}
		out.Children = &children
		return out
	}

	doc := document{SyncMetadata: syncMetadata, Version: documentVersion}
	doc.Roots.BookmarkBar = convert(root.Children[0])
	doc.Roots.Other = convert(root.Children[1])
	if len(root.Children) > 2 {
		doc.Roots.Synced = convert(root.Children[2])
	} else {
		doc.Roots.Synced = emptyFolder(hosttree.MobileFolderID, "Mobile bookmarks", now)
	}
	return encodeDocument(doc)
}

func encodeDocument(doc document) ([]byte, error) {
	sum, err := checksum(doc)
	if err != nil {
		return nil, err
	}
	doc.Checksum = sum
	data, err := json.MarshalIndent(doc, "", "   ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// checksum follows Chromium's bookmark codec: md5 over id, UTF-16LE title and
// a type tag (plus the url for url nodes), roots in file order.
func checksum(doc document) (string, error) {
	h := md5.New()
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	var walk func(n fileNode) error
	walk = func(n fileNode) error {
		title, err := enc.String(n.Name)
		if err != nil {
			return err
		}
		h.Write([]byte(n.ID))
		h.Write([]byte(title))
		if n.Type == typeURL {
			h.Write([]byte(typeURL))
			h.Write([]byte(n.URL))
			return nil
		}
		h.Write([]byte(typeFolder))
		if n.Children == nil {
			return nil
		}
		for _, child := range *n.Children {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range []fileNode{doc.Roots.BookmarkBar, doc.Roots.Other, doc.Roots.Synced} {
		if err := walk(r); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
