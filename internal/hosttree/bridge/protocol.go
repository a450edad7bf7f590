package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/marksync/internal/hosttree"
)

// Frame types on the wire. Requests flow from marksync to the extension,
// responses and events flow back.
const (
	frameRequest  = "request"
	frameResponse = "response"
	frameEvent    = "event"
)

// Request methods, one per hosttree.Host call.
const (
	methodGet           = "get"
	methodChildren      = "children"
	methodSubtree       = "subtree"
	methodCreate        = "create"
	methodMove          = "move"
	methodUpdate        = "update"
	methodRemove        = "remove"
	methodRemoveSubtree = "removeSubtree"
)

// Error codes an extension may report.
const (
	codeNotFound  = "not_found"
	codeNotFolder = "not_folder"
	codeNotEmpty  = "not_empty"
	codeReadOnly  = "read_only"
)

type frame struct {
	Type   string          `json:"type"`
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`
	Event  *hosttree.Event `json:"event,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type idParams struct {
	ID string `json:"id"`
}

type moveParams struct {
	ID string `json:"id"`
	hosttree.MoveRequest
}

type updateParams struct {
	ID string `json:"id"`
	hosttree.UpdateRequest
}

func (e *frameError) err() error {
	var base error
	switch e.Code {
	case codeNotFound:
		base = hosttree.ErrNotFound
	case codeNotFolder:
		base = hosttree.ErrNotFolder
	case codeNotEmpty:
		base = hosttree.ErrNotEmpty
	case codeReadOnly:
		base = hosttree.ErrReadOnly
	default:
		return fmt.Errorf("extension error %s: %s", e.Code, e.Message)
	}
	return fmt.Errorf("%w: %s", base, e.Message)
}
