// Package squadclient is the device side of the squad command channel. It
// keeps one WebSocket connection per joined squad, delivers events in
// sequence order exactly once per channel lifetime and rejoins after the
// last seen sequence when the connection drops.
package squadclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"pilgrim_sync/internal/event"
	"pilgrim_sync/internal/squad"
	"pilgrim_sync/internal/wire"
)

// ErrNotConnected is returned by Send when there is no live channel.
// Commands are never queued for later.
var ErrNotConnected = errors.New("squad channel not connected")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("squad client closed")

var errSuperseded = errors.New("join superseded")

// RemoteError is an error frame sent by the server.
type RemoteError struct {
	wire.ErrorBody
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is maps wire codes onto the server's sentinel errors.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case wire.CodeNotMember:
		return target == squad.ErrNotMember
	case wire.CodeSquadFull:
		return target == squad.ErrSquadFull
	case wire.CodeAlreadyMember:
		return target == squad.ErrAlreadyMember
	case wire.CodeHistoryTruncated:
		return target == squad.ErrHistoryTruncated
	case wire.CodeInvalidArgument:
		return target == event.ErrInvalidEvent
	}
	return false
}

func (e *RemoteError) permanent() bool {
	switch e.Code {
	case wire.CodeNotMember, wire.CodeUnauthenticated, wire.CodeNotFound:
		return true
	}
	return false
}

// CursorStore persists the last applied sequence per squad.
type CursorStore interface {
	Cursor(ctx context.Context, squadID int64) (uint64, error)
	SaveCursor(ctx context.Context, squadID int64, seq uint64) error
}

// Options configures a Client.
type Options struct {
	// URL is the channel endpoint, e.g. ws://host:8080/api/v1/ws.
	URL   string
	Token string
	// Origin defaults to the URL with an http scheme.
	Origin string

	Cursor       CursorStore
	Logger       *slog.Logger
	NewBackOff   func() backoff.BackOff
	PingInterval time.Duration
	// DialTimeout bounds the handshake and the join reply.
	DialTimeout time.Duration
}

// Client is a reconnecting squad channel.
type Client struct {
	opts   Options
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	squadID     int64
	lastSeq     uint64
	roster      wire.Squad
	gen         uint64
	pending     map[string]chan wire.Frame
	handlers    map[int]func(event.Event)
	snapHandles map[int]func(wire.SnapshotPayload)
	stateFns    map[int]func(bool)
	nextHandler int
	closed      bool
}

// New creates a client. Nothing is dialled until Join.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			b.Reset()
			return b
		}
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Origin == "" {
		opts.Origin = "http" + strings.TrimPrefix(opts.URL, "ws")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:        opts,
		logger:      opts.Logger,
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[string]chan wire.Frame),
		handlers:    make(map[int]func(event.Event)),
		snapHandles: make(map[int]func(wire.SnapshotPayload)),
		stateFns:    make(map[int]func(bool)),
	}
}

// OnEvent registers fn for every event, in sequence order. Handlers run on
// the connection goroutine and must not block or call Join.
func (c *Client) OnEvent(fn func(event.Event)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// OnSnapshot registers fn for truncated history. The client should discard
// its squad state; the snapshot's events follow through OnEvent.
func (c *Client) OnSnapshot(fn func(wire.SnapshotPayload)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandler
	c.nextHandler++
	c.snapHandles[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.snapHandles, id)
		c.mu.Unlock()
	}
}

// OnConnection registers fn for connection state changes.
func (c *Client) OnConnection(fn func(connected bool)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandler
	c.nextHandler++
	c.stateFns[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.stateFns, id)
		c.mu.Unlock()
	}
}

// Connected reports whether the channel is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// LastSequence returns the highest sequence delivered.
func (c *Client) LastSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Roster returns the squad as of the latest join.
func (c *Client) Roster() wire.Squad {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster
}

// Join connects to the squad's channel and keeps it connected until Close.
// Joining a different squad replaces the current channel.
func (c *Client) Join(ctx context.Context, squadID int64) (wire.Squad, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Squad{}, ErrClosed
	}
	c.gen++
	gen := c.gen
	old := c.conn
	c.conn = nil
	c.failPendingLocked()
	if c.squadID != squadID {
		c.squadID = squadID
		c.lastSeq = 0
	}
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if c.opts.Cursor != nil && c.LastSequence() == 0 {
		seq, err := c.opts.Cursor.Cursor(ctx, squadID)
		if err != nil {
			c.logger.Warn("squad cursor unavailable", "squad", squadID, "error", err)
		}
		c.mu.Lock()
		c.lastSeq = seq
		c.mu.Unlock()
	}

	conn, err := c.connect(ctx, squadID, gen)
	if err != nil {
		return wire.Squad{}, err
	}
	go c.serve(conn, squadID, gen)
	return c.Roster(), nil
}

// Send submits a command and waits for the committed sequence. It fails
// with ErrNotConnected instead of queueing when the channel is down.
func (c *Client) Send(ctx context.Context, d event.Draft) (uint64, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	id := uuid.NewString()
	reply := make(chan wire.Frame, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	f, err := wire.NewFrame(wire.FrameSend, id, wire.SendPayload{Draft: d})
	if err != nil {
		forget()
		return 0, err
	}
	if err := c.write(conn, f); err != nil {
		forget()
		return 0, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	select {
	case f, ok := <-reply:
		if !ok {
			return 0, ErrNotConnected
		}
		if f.Type == wire.FrameError {
			return 0, decodeError(f)
		}
		var ack wire.AckPayload
		if err := json.Unmarshal(f.Payload, &ack); err != nil {
			return 0, fmt.Errorf("decode ack: %w", err)
		}
		return ack.Sequence, nil
	case <-ctx.Done():
		forget()
		return 0, ctx.Err()
	}
}

// Close ends the channel and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig(c.opts.URL, c.opts.Origin)
	if err != nil {
		return nil, err
	}
	cfg.Header = make(http.Header)
	if c.opts.Token != "" {
		cfg.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	return cfg.DialContext(ctx)
}

// connect dials, joins and applies the join reply. On success the
// connection is installed as current.
func (c *Client) connect(ctx context.Context, squadID int64, gen uint64) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial squad channel: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c.mu.Lock()
	after := c.lastSeq
	c.mu.Unlock()

	req, err := wire.NewFrame(wire.FrameJoin, uuid.NewString(), wire.JoinPayload{SquadID: squadID, LastSequence: after})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := c.write(conn, req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	var reply wire.Frame
	if err := websocket.JSON.Receive(conn, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read join reply: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	switch reply.Type {
	case wire.FrameJoined:
		var p wire.JoinedPayload
		if err := json.Unmarshal(reply.Payload, &p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("decode joined: %w", err)
		}
		if !c.install(conn, p.Squad, gen) {
			return nil, errSuperseded
		}
		c.deliverAll(p.Events)
		c.advance(p.Head)
	case wire.FrameSnapshot:
		var p wire.SnapshotPayload
		if err := json.Unmarshal(reply.Payload, &p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		if !c.install(conn, p.Squad, gen) {
			return nil, errSuperseded
		}
		c.applySnapshot(p)
	case wire.FrameError:
		_ = conn.Close()
		return nil, decodeError(reply)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected %q frame in reply to join", reply.Type)
	}

	c.logger.Info("squad channel joined", "squad", squadID, "after", after, "last_seq", c.LastSequence())
	c.notifyState(true)
	return conn, nil
}

// install makes conn current unless a later Join superseded it.
func (c *Client) install(conn *websocket.Conn, s wire.Squad, gen uint64) bool {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.roster = s
	c.mu.Unlock()
	return true
}

// serve reads from conn until it fails, then reconnects with backoff.
func (c *Client) serve(conn *websocket.Conn, squadID int64, gen uint64) {
	for {
		stopPing := c.startPing(conn)
		err := c.readLoop(conn)
		stopPing()
		if !c.drop(conn) || c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("squad channel lost", "squad", squadID, "error", err)

		conn = c.reconnect(squadID, gen)
		if conn == nil {
			return
		}
	}
}

func (c *Client) reconnect(squadID int64, gen uint64) *websocket.Conn {
	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, err = c.connect(c.ctx, squadID, gen)
		var remote *RemoteError
		switch {
		case errors.Is(err, errSuperseded):
			return backoff.Permanent(err)
		case errors.As(err, &remote) && remote.permanent():
			return backoff.Permanent(err)
		case err != nil:
			c.logger.Debug("squad rejoin failed", "squad", squadID, "error", err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(c.opts.NewBackOff(), c.ctx)); err != nil {
		if c.ctx.Err() == nil && !errors.Is(err, errSuperseded) {
			c.logger.Error("squad channel gave up", "squad", squadID, "error", err)
		}
		return nil
	}
	return conn
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var f wire.Frame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			return err
		}
		switch f.Type {
		case wire.FrameEvent:
			var ev event.Event
			if err := json.Unmarshal(f.Payload, &ev); err != nil {
				c.logger.Warn("dropping malformed event frame", "error", err)
				continue
			}
			c.deliver(ev)
		case wire.FrameSnapshot:
			var p wire.SnapshotPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				c.logger.Warn("dropping malformed snapshot frame", "error", err)
				continue
			}
			c.mu.Lock()
			c.roster = p.Squad
			c.mu.Unlock()
			c.applySnapshot(p)
		case wire.FrameAck, wire.FrameError:
			c.mu.Lock()
			reply, ok := c.pending[f.RequestID]
			delete(c.pending, f.RequestID)
			c.mu.Unlock()
			if ok {
				reply <- f
			} else if f.Type == wire.FrameError {
				c.logger.Warn("squad channel error", "error", decodeError(f))
			}
		case wire.FramePong:
		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

// drop forgets conn and fails its outstanding sends. It reports whether
// conn was the current connection.
func (c *Client) drop(conn *websocket.Conn) bool {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	c.failPendingLocked()
	c.mu.Unlock()
	c.notifyState(false)
	return true
}

func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) startPing(conn *websocket.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				f, _ := wire.NewFrame(wire.FramePing, "", nil)
				if err := c.write(conn, f); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (c *Client) write(conn *websocket.Conn, f wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return websocket.JSON.Send(conn, f)
}

// deliver hands ev to the handlers unless it was already delivered.
func (c *Client) deliver(ev event.Event) {
	c.mu.Lock()
	if ev.SquadID != c.squadID || ev.Sequence <= c.lastSeq {
		c.mu.Unlock()
		return
	}
	c.lastSeq = ev.Sequence
	handlers := sortedHandlers(c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	c.saveCursor(ev.SquadID, ev.Sequence)
}

func (c *Client) deliverAll(evs []event.Event) {
	for _, ev := range evs {
		c.deliver(ev)
	}
}

// advance moves the cursor to head when the join skipped older history.
func (c *Client) advance(head uint64) {
	c.mu.Lock()
	if head <= c.lastSeq {
		c.mu.Unlock()
		return
	}
	c.lastSeq = head
	squadID := c.squadID
	c.mu.Unlock()
	c.saveCursor(squadID, head)
}

func (c *Client) applySnapshot(p wire.SnapshotPayload) {
	c.mu.Lock()
	c.lastSeq = 0
	fns := make([]func(wire.SnapshotPayload), 0, len(c.snapHandles))
	for _, id := range sortedKeys(c.snapHandles) {
		fns = append(fns, c.snapHandles[id])
	}
	c.mu.Unlock()

	c.logger.Info("squad history truncated, applying snapshot", "squad", p.Squad.ID, "head", p.Head)
	for _, fn := range fns {
		fn(p)
	}
	c.deliverAll(p.Events)
	c.advance(p.Head)
}

func (c *Client) notifyState(connected bool) {
	c.mu.Lock()
	fns := make([]func(bool), 0, len(c.stateFns))
	for _, id := range sortedKeys(c.stateFns) {
		fns = append(fns, c.stateFns[id])
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func (c *Client) saveCursor(squadID int64, seq uint64) {
	if c.opts.Cursor == nil {
		return
	}
	if err := c.opts.Cursor.SaveCursor(context.WithoutCancel(c.ctx), squadID, seq); err != nil {
		c.logger.Warn("squad cursor not saved", "squad", squadID, "seq", seq, "error", err)
	}
}

func decodeError(f wire.Frame) error {
	var body wire.ErrorBody
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		return fmt.Errorf("decode error frame: %w", err)
	}
	return &RemoteError{ErrorBody: body}
}

func sortedKeys[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func sortedHandlers(m map[int]func(event.Event)) []func(event.Event) {
	out := make([]func(event.Event), 0, len(m))
	for _, id := range sortedKeys(m) {
		out = append(out, m[id])
	}
	return out
}
