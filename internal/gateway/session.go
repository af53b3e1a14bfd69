package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Aeonia-ai/gaia-world/internal/action"
	"github.com/Aeonia-ai/gaia-world/internal/broadcast"
)

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 5 * time.Second

// outboundBuffer bounds frames queued towards one connection.
const outboundBuffer = 64

// session is one live websocket connection. A single reader goroutine
// processes frames in order, which gives the per-connection in-flight budget
// of one; a single writer goroutine owns the connection's write side.
type session struct {
	conn       *websocket.Conn
	identity   Identity
	experience string
	sub        *broadcast.Subscriber

	out chan any

	// lastApplied is the newest world version this connection has seen
	// through its own action responses. Broadcast updates at or below it
	// are duplicates and get dropped.
	lastApplied atomic.Int64
}

// handleWS upgrades the request and runs the connection to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(r.Context(), tokenFromRequest(r))
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	experienceID := r.URL.Query().Get("experience")
	if experienceID == "" {
		experienceID, err = s.states.GetCurrentExperience(r.Context(), identity.PlayerID)
		if err != nil || experienceID == "" {
			http.Error(w, "no experience selected", http.StatusBadRequest)
			return
		}
	}
	cfg, err := s.states.LoadConfig(experienceID)
	if err != nil {
		http.Error(w, "unknown experience", http.StatusNotFound)
		return
	}
	if _, err := s.states.EnsurePlayerInitialized(r.Context(), experienceID, identity.PlayerID); err != nil {
		slog.Error("gateway: initialize player", "player", identity.PlayerID, "experience", experienceID, "err", err)
		http.Error(w, "could not initialize player", http.StatusInternalServerError)
		return
	}
	world, err := s.states.GetWorldState(r.Context(), experienceID, identity.PlayerID)
	if err != nil {
		http.Error(w, "could not load world", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		slog.Debug("gateway: websocket accept", "err", err)
		return
	}

	subjectPlayer := ""
	if !cfg.Shared() {
		subjectPlayer = identity.PlayerID
	}
	sess := &session{
		conn:       conn,
		identity:   identity,
		experience: experienceID,
		sub:        s.bus.Subscribe(broadcast.Subject(experienceID, subjectPlayer)),
		out:        make(chan any, outboundBuffer),
	}
	sess.lastApplied.Store(world.Metadata.Version)

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(r.Context(), 1)
		defer s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("gateway: session open",
		"player", identity.PlayerID, "experience", experienceID, "admin", identity.Admin)

	s.runSession(r.Context(), sess, world.Metadata.Version)
	slog.Info("gateway: session closed", "player", identity.PlayerID, "experience", experienceID)
}

func (s *Server) runSession(ctx context.Context, sess *session, worldVersion int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer sess.conn.Close(websocket.StatusNormalClosure, "bye")
	defer s.bus.Unsubscribe(sess.sub)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		sess.forwardUpdates(ctx)
	}()

	sess.enqueue(ctx, welcomeFrame{
		Type:         frameWelcome,
		PlayerID:     sess.identity.PlayerID,
		Experience:   sess.experience,
		Admin:        sess.identity.Admin,
		WorldVersion: worldVersion,
	})

	s.readLoop(ctx, sess)
	cancel()
	wg.Wait()
}

// readLoop processes client frames strictly in order. Dispatch is
// synchronous, so a connection never has more than one action in flight.
func (s *Server) readLoop(ctx context.Context, sess *session) {
	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, sess.conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("gateway: read frame", "player", sess.identity.PlayerID, "err", err)
			}
			return
		}
		if frame.Type != frameAction {
			sess.enqueue(ctx, errorFrame{
				Type:    frameError,
				Code:    string(action.CodeMalformedInput),
				Message: "unsupported frame type",
			})
			continue
		}

		experienceID := sess.experience
		if frame.Experience != "" {
			experienceID = frame.Experience
		}
		res, err := s.dispatcher.Dispatch(ctx, &DispatchRequest{
			Experience: experienceID,
			PlayerID:   sess.identity.PlayerID,
			Admin:      sess.identity.Admin,
			Message:    frame.Message,
			Action:     frame.Action,
			Args:       frame.Args,
		})
		if err != nil {
			slog.Error("gateway: dispatch", "player", sess.identity.PlayerID, "err", err)
			sess.enqueue(ctx, errorFrame{
				Type:    frameError,
				Code:    string(action.CodeTransportError),
				Message: "internal error",
			})
			continue
		}

		if res.WorldVersion > sess.lastApplied.Load() {
			sess.lastApplied.Store(res.WorldVersion)
		}
		sess.enqueue(ctx, responseFrame(frame.ID, res))

		// A subscriber that overflowed its queue missed updates; push the
		// full world once so the client can resynchronise.
		if sess.sub.Desynced() && experienceID == sess.experience {
			s.resync(ctx, sess)
		}
	}
}

// resync sends the complete current world and clears the desync flag.
func (s *Server) resync(ctx context.Context, sess *session) {
	world, err := s.states.GetWorldState(ctx, sess.experience, sess.identity.PlayerID)
	if err != nil {
		slog.Warn("gateway: resync read failed", "player", sess.identity.PlayerID, "err", err)
		return
	}
	full, err := json.Marshal(world)
	if err != nil {
		slog.Error("gateway: resync encode failed", "err", err)
		return
	}
	sess.lastApplied.Store(world.Metadata.Version)
	sess.sub.ClearDesync()
	sess.enqueue(ctx, worldUpdateFrame{
		Type: frameWorldUpdate,
		Update: broadcast.WorldUpdate{
			Experience: sess.experience,
			Version:    world.Metadata.Version,
			Timestamp:  time.Now().UTC(),
			Full:       full,
		},
	})
}

// forwardUpdates relays broadcast updates the connection has not applied yet.
func (sess *session) forwardUpdates(ctx context.Context) {
	for {
		select {
		case u, ok := <-sess.sub.Updates():
			if !ok {
				return
			}
			if u.Full == nil && u.Version <= sess.lastApplied.Load() {
				continue
			}
			if u.Version > sess.lastApplied.Load() {
				sess.lastApplied.Store(u.Version)
			}
			sess.enqueue(ctx, worldUpdateFrame{Type: frameWorldUpdate, Update: u})
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop is the only goroutine writing to the connection.
func (sess *session) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-sess.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, sess.conn, frame)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (sess *session) enqueue(ctx context.Context, frame any) {
	select {
	case sess.out <- frame:
	case <-ctx.Done():
	}
}
