package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/coursechat/pkg/auth"
	"github.com/go-go-golems/coursechat/pkg/chaterrors"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// EventSubscriber yields the events of one conversation.
type EventSubscriber interface {
	Subscribe(ctx context.Context, convID string) (<-chan *message.Message, func(), error)
}

type wsHello struct {
	Type   string `json:"type"`
	ConvID string `json:"conversation_id"`
}

// NewWSHandler relays a conversation's events to a websocket until either
// side goes away. Ownership is checked before the upgrade.
func NewWSHandler(svc ConversationService, sub EventSubscriber, upgrader websocket.Upgrader, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		const op = "webchat.ws"
		if sub == nil {
			chaterrors.WriteJSON(w, http.StatusServiceUnavailable, chaterrors.Body{Error: "event feed not enabled"})
			return
		}
		convID := req.URL.Query().Get("conv_id")
		if convID == "" {
			fail(w, req, logger, chaterrors.Validation(op, "missing conv_id"))
			return
		}
		owner := auth.OwnerFromContext(req.Context())
		if err := svc.Authorize(req.Context(), owner, convID); err != nil {
			fail(w, req, logger, err)
			return
		}

		ctx, cancel := context.WithCancel(req.Context())
		defer cancel()
		events, release, err := sub.Subscribe(ctx, convID)
		if err != nil {
			fail(w, req, logger, chaterrors.Wrap(err, chaterrors.KindUnknown, op, "could not join conversation feed"))
			return
		}
		defer release()

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Debug().Err(err).Str("conv_id", convID).Msg("websocket upgrade failed")
			return
		}
		defer func() { _ = conn.Close() }()
		log := logger.With().Str("conv_id", convID).Str("owner_id", owner).Logger()
		log.Debug().Msg("websocket attached")

		hello, _ := json.Marshal(wsHello{Type: "hello", ConvID: convID})
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
			return
		}

		go readPump(conn, cancel)

		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				log.Debug().Msg("websocket detached")
				return
			case msg, ok := <-events:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				err := conn.WriteMessage(websocket.TextMessage, msg.Payload)
				msg.Ack()
				if err != nil {
					log.Debug().Err(err).Msg("websocket write failed")
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

// readPump discards client frames and cancels once the connection drops.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
