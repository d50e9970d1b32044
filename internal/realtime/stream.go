package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"verifyhub/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ErrSubscriberDropped is returned by Stream when the hub pruned the
// subscription because the client was too slow.
const ErrSubscriberDropped = errors.ConstError("subscriber dropped")

// Stream writes the snapshot and then every event from sub until a terminal
// status, the client going away, or ctx ending. Subscribe before loading the
// snapshot so no transition falls between the two.
func Stream(ctx context.Context, conn *websocket.Conn, snapshot models.StatusEvent, sub *Subscription) error {
	defer sub.Close()

	if err := writeEvent(conn, snapshot); err != nil {
		return errors.Annotate(err, "write snapshot")
	}
	if snapshot.Terminal {
		return closeNormal(conn)
	}

	// Control frames are only processed while reading; a read error means
	// the client went away.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return errors.Annotate(err, "ping")
			}
		case ev, ok := <-sub.C:
			if !ok {
				if sub.Dropped() {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"), time.Now().Add(writeWait))
					return ErrSubscriberDropped
				}
				return closeNormal(conn)
			}
			if err := writeEvent(conn, ev); err != nil {
				return errors.Annotate(err, "write event")
			}
			if ev.Terminal {
				return closeNormal(conn)
			}
		}
	}
}

// streamMessage is the wire shape pushed to clients.
type streamMessage struct {
	ID       string      `json:"id"`
	Kind     string      `json:"kind"`
	Status   string      `json:"status"`
	Terminal bool        `json:"terminal"`
	Messages []string    `json:"messages"`
	Data     interface{} `json:"data,omitempty"`
}

func writeEvent(conn *websocket.Conn, ev models.StatusEvent) error {
	msgs := ev.Messages
	if msgs == nil {
		msgs = []string{}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(streamMessage{
		ID:       ev.ID,
		Kind:     string(ev.Kind),
		Status:   ev.Status,
		Terminal: ev.Terminal,
		Messages: msgs,
		Data:     ev.Payload,
	})
}

func closeNormal(conn *websocket.Conn) error {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal"), time.Now().Add(writeWait))
	return nil
}
