package phxconn

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/carterjones/phxconn/wire"
)

// TestUpgrade provides a sample websocket endpoint handler that behaves like
// a channels server: it upgrades the request, answers every heartbeat with an
// ok reply, and echoes any other envelope back to the sender.
//
// If an error occurs while upgrading the websocket, it will panic.
func TestUpgrade(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		panic(err)
	}

	go func() {
		for {
			_, data, rerr := c.ReadMessage()
			if rerr != nil {
				return
			}

			env, derr := wire.Decode(data)
			if derr != nil {
				continue
			}

			if env.Topic == wire.TopicPhoenix && env.Event == wire.EventHeartbeat {
				reply, eerr := wire.Encode(wire.Envelope{
					Ref:     env.Ref,
					Topic:   wire.TopicPhoenix,
					Event:   wire.EventReply,
					Payload: json.RawMessage(`{"status":"ok","response":{}}`),
				})
				if eerr != nil {
					continue
				}

				werr := c.WriteMessage(websocket.TextMessage, reply)
				if werr != nil {
					return
				}
				continue
			}

			werr := c.WriteMessage(websocket.TextMessage, data)
			if werr != nil {
				return
			}
		}
	}()
}

// TestSilentUpgrade provides a sample websocket endpoint handler that
// upgrades the request and then reads frames without ever responding. It is
// useful for exercising heartbeat timeouts against a server that accepts
// frames but never replies.
//
// If an error occurs while upgrading the websocket, it will panic.
func TestSilentUpgrade(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		panic(err)
	}

	go func() {
		for {
			_, _, rerr := c.ReadMessage()
			if rerr != nil {
				return
			}
		}
	}()
}
