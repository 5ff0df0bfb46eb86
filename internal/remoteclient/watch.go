package remoteclient

import (
	"context"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// watchUntilComplete tries the remote's optional push channel
// (GET /v1/operations/{id}/watch, upgraded to a websocket) before falling
// back to the fixed-interval poller. It returns ok=false whenever the
// channel isn't available or drops before a terminal status, in which
// case the caller's poll loop remains the source of truth — the watch
// channel only ever shortcuts it, never replaces it.
func (c *Client) watchUntilComplete(ctx context.Context, operationID string) (OperationResponse, bool) {
	updates := make(chan OperationResponse, 1)
	done := make(chan error, 1)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		done <- c.watchOperation(watchCtx, operationID, updates)
	}()

	var last OperationResponse

	for {
		select {
		case msg := <-updates:
			last = msg

			if msg.Status.IsTerminal() {
				return msg, true
			}
		case err := <-done:
			// A terminal update may still sit in the buffer when done wins
			// the select.
			select {
			case msg := <-updates:
				if msg.Status.IsTerminal() {
					return msg, true
				}

				last = msg
			default:
			}

			if err != nil {
				c.logger.Debug("watch channel unavailable, falling back to polling",
					"operation_id", operationID, "error", err.Error())
			}

			return last, false
		case <-ctx.Done():
			return last, false
		}
	}
}

// watchOperation dials the push channel and forwards every status update
// it receives onto updates until the socket closes, the server sends a
// terminal status, or ctx is done. A non-nil return means the caller
// should fall back to polling; a terminal status delivered on updates
// before that point is authoritative regardless.
func (c *Client) watchOperation(ctx context.Context, operationID string, updates chan<- OperationResponse) error {
	target := c.baseURL + "/operations/" + operationID + "/watch"
	target = strings.Replace(target, "https://", "wss://", 1)
	target = strings.Replace(target, "http://", "ws://", 1)

	header := http.Header{"Authorization": []string{"Bearer " + c.token}}

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	for {
		var msg OperationResponse

		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}

		select {
		case updates <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}

		if msg.Status.IsTerminal() {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
	}
}
