package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"escrowchain/core/events"
	"escrowchain/indexer"
)

const (
	wsWriteTimeout    = 10 * time.Second
	wsSubscribeBuffer = 64
)

// handleEventsWS streams recorded events as JSON text frames. The optional
// type query parameter filters by event type. When after is present the
// retained events with a greater sequence are replayed first.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	if !s.limiter.allow(clientKey(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	query := r.URL.Query()
	filter := strings.TrimSpace(query.Get("type"))
	var (
		after  uint64
		replay bool
	)
	if query.Has("after") {
		parsed, err := strconv.ParseUint(strings.TrimSpace(query.Get("after")), 10, 64)
		if err != nil {
			http.Error(w, "invalid after cursor", http.StatusBadRequest)
			return
		}
		after, replay = parsed, true
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, filter, after, replay); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Debug("rpc: event stream ended", "request", requestIDFrom(r.Context()), "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, filter string, after uint64, replay bool) error {
	updates, cancel := s.recorder.Subscribe(wsSubscribeBuffer)
	defer cancel()

	last := after
	if replay {
		for _, rec := range s.recorder.Events() {
			if rec.Sequence <= after {
				continue
			}
			if err := writeRecorded(ctx, conn, rec, filter); err != nil {
				return err
			}
			last = rec.Sequence
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			if rec.Sequence <= last {
				continue
			}
			if err := writeRecorded(ctx, conn, rec, filter); err != nil {
				return err
			}
			last = rec.Sequence
		}
	}
}

func writeRecorded(ctx context.Context, conn *websocket.Conn, rec events.Recorded, filter string) error {
	if rec.Event == nil || (filter != "" && rec.Event.Type != filter) {
		return nil
	}
	data, err := json.Marshal(indexer.StoredEvent{
		Sequence:   int64(rec.Sequence),
		Type:       rec.Event.Type,
		Attributes: rec.Event.Attributes,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
