package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"pilgrim_sync/internal/squad"
	"pilgrim_sync/internal/wire"
)

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	websocket.Handler(func(conn *websocket.Conn) {
		s.serveChannel(conn, userID)
	}).ServeHTTP(w, r)
}

// channel is one member's WebSocket connection. Frames are handled in
// arrival order; events are written by a separate pump.
type channel struct {
	s      *Server
	conn   *websocket.Conn
	userID string
	logger *slog.Logger

	writeMu sync.Mutex

	squadID  int64
	sub      *squad.Subscription
	stopPump context.CancelFunc
	pumpDone sync.WaitGroup
}

func (s *Server) serveChannel(conn *websocket.Conn, userID string) {
	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()
	defer func() { _ = conn.Close() }()

	ch := &channel{
		s:      s,
		conn:   conn,
		userID: userID,
		logger: s.logger.With("user", userID, "remote", conn.Request().RemoteAddr),
	}
	defer ch.unsubscribe()

	for {
		var f wire.Frame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			if !errors.Is(err, io.EOF) {
				ch.logger.Debug("squad channel read failed", "error", err)
			}
			return
		}

		switch f.Type {
		case wire.FrameJoin:
			ch.join(ctx, f)
		case wire.FrameSend:
			ch.send(ctx, f)
		case wire.FramePing:
			ch.reply(wire.FramePong, f.RequestID, nil)
		default:
			ch.fail(f.RequestID, fmt.Errorf("%w: unknown frame type %q", errBadRequest, f.Type))
		}
	}
}

func (ch *channel) join(ctx context.Context, f wire.Frame) {
	var p wire.JoinPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		ch.fail(f.RequestID, fmt.Errorf("%w: join payload: %v", errBadRequest, err))
		return
	}
	ch.unsubscribe()

	res, err := ch.s.cfg.Hub.Join(ctx, p.SquadID, ch.userID, p.LastSequence)
	truncated := errors.Is(err, squad.ErrHistoryTruncated)
	if err != nil && !truncated {
		ch.fail(f.RequestID, err)
		return
	}

	sq := toWireSquad(res.Squad, res.Members)
	if truncated {
		ch.reply(wire.FrameSnapshot, f.RequestID, wire.SnapshotPayload{Squad: sq, Events: res.Events, Head: res.Head})
	} else {
		ch.reply(wire.FrameJoined, f.RequestID, wire.JoinedPayload{Squad: sq, Events: res.Events, Head: res.Head})
	}

	// The subscription buffers anything committed after the join reply
	// was built, so events reach the client after it and in order.
	pumpCtx, stop := context.WithCancel(ctx)
	ch.squadID = p.SquadID
	ch.sub = res.Subscription
	ch.stopPump = stop
	ch.pumpDone.Add(1)
	go ch.pump(pumpCtx, res.Subscription)
}

func (ch *channel) pump(ctx context.Context, sub *squad.Subscription) {
	defer ch.pumpDone.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// Evicted or the hub is shutting down; the client rejoins
				// and learns which.
				if ctx.Err() == nil {
					_ = ch.conn.Close()
				}
				return
			}
			if err := ch.reply(wire.FrameEvent, "", ev); err != nil {
				_ = ch.conn.Close()
				return
			}
		}
	}
}

func (ch *channel) unsubscribe() {
	if ch.sub == nil {
		return
	}
	ch.stopPump()
	ch.sub.Cancel()
	ch.pumpDone.Wait()
	ch.sub, ch.stopPump, ch.squadID = nil, nil, 0
}

func (ch *channel) send(ctx context.Context, f wire.Frame) {
	if ch.sub == nil {
		ch.fail(f.RequestID, fmt.Errorf("%w: join a squad first", errBadRequest))
		return
	}
	var p wire.SendPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		ch.fail(f.RequestID, fmt.Errorf("%w: send payload: %v", errBadRequest, err))
		return
	}
	ev, err := ch.s.cfg.Hub.Send(ctx, ch.squadID, ch.userID, p.Draft)
	if err != nil {
		ch.fail(f.RequestID, err)
		return
	}
	ch.reply(wire.FrameAck, f.RequestID, wire.AckPayload{Sequence: ev.Sequence})
}

func (ch *channel) reply(typ, requestID string, payload any) error {
	f, err := wire.NewFrame(typ, requestID, payload)
	if err != nil {
		ch.logger.Error("encode frame", "type", typ, "error", err)
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return websocket.JSON.Send(ch.conn, f)
}

func (ch *channel) fail(requestID string, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		ch.logger.Error("squad channel request failed", "error", err)
	}
	_ = ch.reply(wire.FrameError, requestID, body)
}
