package protocol

import (
	"context"
	"time"

	"github.com/bci-mcp/backend/internal/session"
)

const (
	TopicEvents  = "events"
	TopicSignals = "signals"
	TopicSession = "session"
)

type topicFunc func(ctx context.Context, c *Conn)

// EventsPush is the payload of notifications/events.
type EventsPush struct {
	Events []session.Event `json:"events"`
	Count  int             `json:"count"`
}

// SignalsPush is the payload of notifications/signals. Raw and Filtered
// are [channel][sample]. Truncated means samples were evicted before this
// client read them.
type SignalsPush struct {
	Timestamps []float64   `json:"timestamps"`
	Raw        [][]float64 `json:"raw"`
	Filtered   [][]float64 `json:"filtered"`
	Artifact   []bool      `json:"artifact"`
	Cursor     uint64      `json:"cursor"`
	Truncated  bool        `json:"truncated"`
}

func (s *Server) registerTopics() {
	s.topics = map[string]topicFunc{
		TopicEvents:  s.pushEvents,
		TopicSignals: s.pushSignals,
		TopicSession: s.pushSession,
	}
}

// follow calls push every time the session store or the session lifecycle
// changes, at most once per push interval. push receives the current store,
// which is nil while no device is connected.
func (s *Server) follow(ctx context.Context, c *Conn, push func(store *session.Store)) {
	interval := s.cfg.Protocol.PushInterval
	for {
		mgrCh := s.mgr.Changed()
		store := s.mgr.Store()
		var storeCh <-chan struct{}
		if store != nil {
			storeCh = store.Changed()
		}

		push(store)

		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-storeCh:
		case <-mgrCh:
		}
		if interval > 0 {
			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

func (s *Server) pushEvents(ctx context.Context, c *Conn) {
	var (
		current *session.Store
		next    uint64
	)
	s.follow(ctx, c, func(store *session.Store) {
		if store == nil {
			current = nil
			return
		}
		if store != current {
			// new session: only events detected after subscribing
			current = store
			next = 0
			if evs := store.ReadEvents(0); len(evs) > 0 {
				next = evs[len(evs)-1].ID + 1
			}
			return
		}
		evs := store.ReadEvents(next)
		if len(evs) == 0 {
			return
		}
		next = evs[len(evs)-1].ID + 1
		c.notify("notifications/"+TopicEvents, EventsPush{Events: evs, Count: store.EventCount()})
	})
}

func (s *Server) pushSignals(ctx context.Context, c *Conn) {
	var (
		current *session.Store
		cursor  uint64
	)
	s.follow(ctx, c, func(store *session.Store) {
		if store == nil {
			current = nil
			return
		}
		if store != current {
			current = store
			cursor = store.Cursor()
			return
		}
		recs, next, truncated := store.ReadWindow(cursor, store.Capacity())
		cursor = next
		if len(recs) == 0 && !truncated {
			return
		}
		c.notify("notifications/"+TopicSignals, signalsPush(recs, store.Channels(), next, truncated))
	})
}

func signalsPush(recs []session.Record, channels int, cursor uint64, truncated bool) SignalsPush {
	p := SignalsPush{
		Timestamps: make([]float64, len(recs)),
		Raw:        make([][]float64, channels),
		Filtered:   make([][]float64, channels),
		Artifact:   make([]bool, len(recs)),
		Cursor:     cursor,
		Truncated:  truncated,
	}
	for ch := 0; ch < channels; ch++ {
		p.Raw[ch] = make([]float64, len(recs))
		p.Filtered[ch] = make([]float64, len(recs))
	}
	for i, r := range recs {
		p.Timestamps[i] = r.Timestamp
		p.Artifact[i] = r.Artifact
		for ch := 0; ch < channels; ch++ {
			p.Raw[ch][i] = r.Raw[ch]
			p.Filtered[ch][i] = r.Filtered[ch]
		}
	}
	return p
}

// pushSession sends session_info whenever the event count, streaming flag
// or calibration status moves. Lifecycle changes are also broadcast to
// every client by the hub.
func (s *Server) pushSession(ctx context.Context, c *Conn) {
	var (
		last session.Info
		sent bool
	)
	s.follow(ctx, c, func(*session.Store) {
		info := s.mgr.SessionInfo()
		if sent && info.SessionID == last.SessionID && info.EventCount == last.EventCount &&
			info.Streaming == last.Streaming && info.DeviceConnected == last.DeviceConnected &&
			info.CalibrationStatus == last.CalibrationStatus {
			return
		}
		if c.notify("notifications/"+TopicSession, info) {
			last, sent = info, true
		}
	})
}
