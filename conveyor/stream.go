package conveyor

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

const keepAliveInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// readUntilClosed cancels the returned context once the client goes away.
func readUntilClosed(ctx context.Context, conn *websocket.Conn) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()
	return ctx, cancel
}

type runState struct {
	status models.RunStatus
	logs   int
}

// Events streams a snapshot of every run that changes while the client is
// connected, including its final transition.
func (s *Conveyor) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")

	// subscribe before the upgrade so no change slips past the backfill
	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Info("upgraded http to wss")

	ctx, cancel := readUntilClosed(r.Context(), conn)
	defer cancel()

	watched := make(map[string]runState)

	if err := s.streamRuns(ctx, conn, watched); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case <-ch:
			if err := s.streamRuns(ctx, conn, watched); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(keepAliveInterval):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
			}
		}
	}
}

func (s *Conveyor) streamRuns(ctx context.Context, conn *websocket.Conn, watched map[string]runState) error {
	for _, id := range s.engine.Active() {
		if _, ok := watched[id]; !ok {
			watched[id] = runState{}
		}
	}

	for id, last := range watched {
		run, err := s.engine.GetRun(ctx, id)
		if err != nil {
			delete(watched, id)
			continue
		}

		current := runState{status: run.Status, logs: len(run.Logs)}
		if current != last {
			if err := conn.WriteJSON(run); err != nil {
				return err
			}
		}

		if run.Status.IsTerminal() {
			delete(watched, id)
		} else {
			watched[id] = current
		}
	}

	return nil
}

// Logs streams the log lines of a run as text messages, from the first
// line until the run terminates.
func (s *Conveyor) Logs(w http.ResponseWriter, r *http.Request) {
	runId := chi.URLParam(r, "run")
	l := s.l.With("handler", "Logs", "run", runId)

	ch := s.n.SubscribeTo(runId)
	defer s.n.Unsubscribe(ch)

	if _, err := s.engine.GetRun(r.Context(), runId); err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := readUntilClosed(r.Context(), conn)
	defer cancel()

	sent := 0
	for {
		run, err := s.engine.GetRun(ctx, runId)
		if err != nil {
			l.Error("failed to load run", "err", err)
			return
		}

		for _, line := range run.Logs[min(sent, len(run.Logs)):] {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				l.Error("failed to write log line", "err", err)
				return
			}
		}
		sent = max(sent, len(run.Logs))

		if run.Status.IsTerminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(run.Status))
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ch:
		case <-time.After(keepAliveInterval):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
				return
			}
		}
	}
}
