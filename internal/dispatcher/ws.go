package dispatcher

import (
	"net/http"

	"nhooyr.io/websocket"
)

// maxReadBytes bounds a single inbound frame, matching the teacher's
// per-stream read-limit guard on pkg/ipc/mission.go's event socket.
const maxReadBytes = 1 << 20

// Handler upgrades an HTTP request to a websocket connection and runs the
// dispatcher's session protocol over it until the connection closes.
// Mounted under the httpapi router's websocket route.
func (d *Dispatcher) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			d.cfg.Logger.Printf("dispatcher: websocket accept failed: %v", err)
			return
		}
		conn.SetReadLimit(maxReadBytes)

		if err := d.Serve(r.Context(), conn); err != nil {
			d.cfg.Logger.Printf("dispatcher: session ended: %v", err)
		}
	}
}
