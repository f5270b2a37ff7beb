package server

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"opsdeck/internal/collab"
	"opsdeck/internal/deploy"
	"opsdeck/internal/notify"
	"opsdeck/internal/presence"
)

// streamOutboxSize bounds the per-connection buffer of pending state
// changes. A consumer that falls this far behind loses updates; it can
// resynchronize from the REST snapshots.
const streamOutboxSize = 64

// StreamMessage is one state change pushed to a websocket client.
type StreamMessage struct {
	Kind string      `json:"kind"` // deployment, presence, session, notification
	Data interface{} `json:"data"`
}

// HandleWebSocket streams engine state changes to the client and accepts
// raw event envelopes (activity, collaboration) from it.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.Logger.Warn("Websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbox := make(chan StreamMessage, streamOutboxSize)
	push := func(kind string, data interface{}) {
		// Never block the dispatch loop on a slow consumer.
		select {
		case outbox <- StreamMessage{Kind: kind, Data: data}:
		default:
			s.Logger.Warn("Dropping stream message for slow websocket client", "kind", kind)
		}
	}

	unsubs := []func(){
		s.Engine.SubscribeDeployments(func(rec deploy.Record) { push("deployment", rec) }),
		s.Engine.SubscribePresence(func(entry presence.Entry) { push("presence", entry) }),
		s.Engine.SubscribeSessions(func(session collab.Session) { push("session", session) }),
		s.Engine.SubscribeNotifications(func(n notify.Notification) { push("notification", n) }),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	// Inbound: the client submits its own activity and collaboration
	// events as transport envelopes.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			s.Engine.Process(data)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg := <-outbox:
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}
