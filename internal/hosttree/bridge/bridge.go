// Package bridge implements hosttree.Host for a browser extension that
// connects to marksync over a WebSocket. marksync sends request frames and
// waits for the matching response; the extension pushes bookmark events as
// they happen. Only one extension connection is served at a time.
package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/marksync/internal/hosttree"
)

const (
	defaultCallTimeout = 10 * time.Second
	defaultEventBuffer = 1024
	readLimit          = 32 << 20
)

type Options struct {
	// Token, when set, must be passed by the extension as the "token" query
	// parameter.
	Token string
	// OriginPatterns are the origins allowed besides same-origin, e.g.
	// "chrome-extension://*".
	OriginPatterns []string
	CallTimeout    time.Duration
	EventBuffer    int
	Logger         logrus.FieldLogger
}

// Bridge is both the http.Handler the extension dials and the Host the
// engine talks to.
type Bridge struct {
	token          string
	originPatterns []string
	timeout        time.Duration
	logger         logrus.FieldLogger

	mu        sync.Mutex
	conn      *websocket.Conn
	connSeq   uint64
	pending   map[uint64]pendingCall
	nextID    uint64
	onConnect func()

	handlersMu  sync.Mutex
	handlers    map[int]hosttree.Handler
	nextHandler int

	events    chan hosttree.Event
	done      chan struct{}
	closeOnce sync.Once
}

var _ hosttree.Host = (*Bridge)(nil)

// pendingCall is an in-flight request and the connection it was sent on.
type pendingCall struct {
	seq uint64
	ch  chan frame
}

func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	b := &Bridge{
		token:          opts.Token,
		originPatterns: opts.OriginPatterns,
		timeout:        timeout,
		logger:         logger.WithField("component", "bridge"),
		pending:        map[uint64]pendingCall{},
		handlers:       map[int]hosttree.Handler{},
		events:         make(chan hosttree.Event, buffer),
		done:           make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// OnConnect registers fn to run, on its own goroutine, every time an
// extension connects.
func (b *Bridge) OnConnect(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnect = fn
}

// Connected reports whether an extension is currently attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// A new connection replaces the current one.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.token != "" && subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(b.token)) != 1 {
		http.Error(w, "invalid bridge token", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: b.originPatterns})
	if err != nil {
		b.logger.WithError(err).Warn("bridge upgrade failed")
		return
	}
	conn.SetReadLimit(readLimit)

	b.mu.Lock()
	previous := b.conn
	b.conn = conn
	b.connSeq++
	seq := b.connSeq
	onConnect := b.onConnect
	b.mu.Unlock()
	if previous != nil {
		_ = previous.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	}
	b.logger.WithField("remote", r.RemoteAddr).Info("extension connected")
	if onConnect != nil {
		go onConnect()
	}

	err = b.readLoop(r.Context(), conn, seq)
	b.detach(seq)
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		b.logger.Info("extension disconnected")
	} else {
		b.logger.WithError(err).Warn("extension connection lost")
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn, seq uint64) error {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		switch f.Type {
		case frameResponse:
			b.deliver(seq, f)
		case frameEvent:
			if f.Event == nil {
				continue
			}
			select {
			case b.events <- *f.Event:
			case <-b.done:
				return nil
			}
		default:
			b.logger.WithField("type", f.Type).Debug("ignoring unknown frame")
		}
	}
}

// deliver hands a response read from connection seq to the call waiting
// for it. Responses for calls sent on another connection are dropped.
func (b *Bridge) deliver(seq uint64, f frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	call, ok := b.pending[f.ID]
	if !ok || call.seq != seq {
		return
	}
	select {
	case call.ch <- f:
	default:
	}
}

// register records a call about to be sent on connection seq.
func (b *Bridge) register(seq uint64) (uint64, chan frame) {
	b.nextID++
	id := b.nextID
	ch := make(chan frame, 1)
	b.pending[id] = pendingCall{seq: seq, ch: ch}
	return id, ch
}

// detach fails the in-flight calls of connection seq and forgets the
// connection unless a newer one already took its place.
func (b *Bridge) detach(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connSeq == seq {
		b.conn = nil
	}
	for id, call := range b.pending {
		if call.seq != seq {
			continue
		}
		close(call.ch)
		delete(b.pending, id)
	}
}

func (b *Bridge) dispatchLoop() {
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.events:
			b.handlersMu.Lock()
			keys := make([]int, 0, len(b.handlers))
			for key := range b.handlers {
				keys = append(keys, key)
			}
			sort.Ints(keys)
			handlers := make([]hosttree.Handler, 0, len(keys))
			for _, key := range keys {
				handlers = append(handlers, b.handlers[key])
			}
			b.handlersMu.Unlock()
			for _, handler := range handlers {
				handler(ev)
			}
		}
	}
}

// Close drops the connection and stops event delivery.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusGoingAway, "marksync shutting down")
		}
	})
	return nil
}

func (b *Bridge) call(ctx context.Context, method string, params, out interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return hosttree.ErrUnavailable
	}
	id, ch := b.register(b.connSeq)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, frame{Type: frameRequest, ID: id, Method: method, Params: raw}); err != nil {
		return fmt.Errorf("%w: %v", hosttree.ErrUnavailable, err)
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%w: connection closed during %s", hosttree.ErrUnavailable, method)
		}
		if resp.Error != nil {
			return resp.Error.err()
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s timed out", hosttree.ErrUnavailable, method)
		}
		return ctx.Err()
	}
}

func (b *Bridge) Get(ctx context.Context, id string) (hosttree.Node, error) {
	var node hosttree.Node
	err := b.call(ctx, methodGet, idParams{ID: id}, &node)
	return node, err
}

func (b *Bridge) Children(ctx context.Context, id string) ([]hosttree.Node, error) {
	var nodes []hosttree.Node
	err := b.call(ctx, methodChildren, idParams{ID: id}, &nodes)
	return nodes, err
}

func (b *Bridge) Subtree(ctx context.Context, id string) (hosttree.Node, error) {
	var node hosttree.Node
	err := b.call(ctx, methodSubtree, idParams{ID: id}, &node)
	return node, err
}

func (b *Bridge) Create(ctx context.Context, req hosttree.CreateRequest) (hosttree.Node, error) {
	var node hosttree.Node
	err := b.call(ctx, methodCreate, req, &node)
	return node, err
}

func (b *Bridge) Move(ctx context.Context, id string, req hosttree.MoveRequest) (hosttree.Node, error) {
	var node hosttree.Node
	err := b.call(ctx, methodMove, moveParams{ID: id, MoveRequest: req}, &node)
	return node, err
}

func (b *Bridge) Update(ctx context.Context, id string, req hosttree.UpdateRequest) (hosttree.Node, error) {
	var node hosttree.Node
	err := b.call(ctx, methodUpdate, updateParams{ID: id, UpdateRequest: req}, &node)
	return node, err
}

func (b *Bridge) Remove(ctx context.Context, id string) error {
	return b.call(ctx, methodRemove, idParams{ID: id}, nil)
}

func (b *Bridge) RemoveSubtree(ctx context.Context, id string) error {
	return b.call(ctx, methodRemoveSubtree, idParams{ID: id}, nil)
}

func (b *Bridge) Subscribe(handler hosttree.Handler) func() {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	key := b.nextHandler
	b.nextHandler++
	b.handlers[key] = handler
	var once sync.Once
	return func() {
		once.Do(func() {
			b.handlersMu.Lock()
			defer b.handlersMu.Unlock()
			delete(b.handlers, key)
		})
	}
}
