package transport

import "github.com/gorilla/websocket"

// HoldWrites blocks every frame write until release is called and returns
// the connection in use.
func HoldWrites(r *Router) (conn *websocket.Conn, release func()) {
	r.writeMu.Lock()
	r.mu.Lock()
	conn = r.conn
	r.mu.Unlock()
	return conn, r.writeMu.Unlock
}
