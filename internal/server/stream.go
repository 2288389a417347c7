package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/sells-group/reconciler/internal/model"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
	catchUpPage        = 500
)

type streamFrame struct {
	Type  string                  `json:"type"`
	Event *model.IntegrationEvent `json:"event,omitempty"`
	Seq   int64                   `json:"seq,omitempty"`
}

// handleStream upgrades to a websocket and pushes applied events. With
// ?after=<seq> it first replays the durable log from that sequence, so a
// reconnecting consumer misses nothing. Workers publish after commit in no
// particular order, so live events are never dropped for a low seq: a jump
// past the next seq is filled from the log and a late lower seq is still
// sent unless it already went out. Delivery is at-least-once. A consumer
// that falls behind is disconnected and should reconnect with its last
// ready or event seq.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var after int64
	resume := r.URL.Query().Has("after")
	if resume {
		n, err := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative sequence number")
			return
		}
		after = n
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.CORSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.CORSOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.Debug("websocket accept", zap.Error(err))
		return
	}

	// Subscribe before catching up so nothing published in between is lost.
	sub := s.deps.Events.Subscribe(streamBuffer)
	defer s.deps.Events.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	st := &streamState{srv: s, ctx: ctx, conn: conn, last: after, seen: newRecentIDs(recentIDs)}

	if resume {
		if !st.fill(0) {
			return
		}
	}
	if !s.writeFrame(ctx, conn, streamFrame{Type: "ready", Seq: st.last}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case ev, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "consumer too slow, reconnect with after")
				return
			}
			if !st.live(ev, resume) {
				return
			}
			resume = true
		}
	}
}

// recentIDs bounds the dedupe window for events already sent on one stream.
const recentIDs = 4096

// streamState tracks one connection. last is the highest seq up to which
// every committed event has been sent.
type streamState struct {
	srv  *Server
	ctx  context.Context
	conn *websocket.Conn
	last int64
	seen *recentSet
}

func (st *streamState) send(ev *model.IntegrationEvent) bool {
	if ev.ID != "" && st.seen.has(ev.ID) {
		return true
	}
	if !st.srv.writeFrame(st.ctx, st.conn, streamFrame{Type: "event", Event: ev}) {
		return false
	}
	if ev.ID != "" {
		st.seen.add(ev.ID)
	}
	return true
}

// fill sends logged events after last, stopping before seq until when until
// is non-zero.
func (st *streamState) fill(until int64) bool {
	for {
		page, err := st.srv.deps.Store.ListEvents(st.ctx, st.last, catchUpPage)
		if err != nil {
			_ = st.conn.Close(websocket.StatusInternalError, "catch-up failed")
			return false
		}
		for i := range page {
			if until > 0 && page[i].Seq >= until {
				return true
			}
			if !st.send(&page[i]) {
				return false
			}
			st.last = page[i].Seq
		}
		if len(page) < catchUpPage {
			return true
		}
	}
}

// live handles one published event. Without a baseline the first event
// only sets last; the log is not replayed for consumers that did not ask.
func (st *streamState) live(ev model.IntegrationEvent, baseline bool) bool {
	switch {
	case ev.Seq == 0 || ev.Seq <= st.last:
		return st.send(&ev)
	case ev.Seq > st.last+1 && baseline:
		if !st.fill(ev.Seq) {
			return false
		}
	}
	if !st.send(&ev) {
		return false
	}
	st.last = ev.Seq
	return true
}

// recentSet remembers the last n ids added.
type recentSet struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newRecentIDs(n int) *recentSet {
	return &recentSet{ids: make(map[string]struct{}, n), ring: make([]string, n)}
}

func (r *recentSet) has(id string) bool {
	_, ok := r.ids[id]
	return ok
}

func (r *recentSet) add(id string) {
	if old := r.ring[r.next]; old != "" {
		delete(r.ids, old)
	}
	r.ring[r.next] = id
	r.ids[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, f streamFrame) bool {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, f); err != nil {
		s.log.Debug("stream write failed", zap.Error(err))
		_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
		return false
	}
	return true
}
