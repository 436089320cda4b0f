package protocol

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Codec reads and writes frames as text messages over a websocket
// connection, serialising writes with a mutex since gorilla/websocket
// connections do not support concurrent writers.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection with frame encoding/decoding.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// WriteFrame serialises and sends a frame as a text message.
func (c *Codec) WriteFrame(f *Frame) error {
	data, err := Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads and deserialises one frame. A frame that fails to
// parse or names an unknown type is returned as an error; callers
// should log and continue reading rather than close the channel on a
// single bad frame.
func (c *Codec) ReadFrame() (*Frame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, &DecodeError{Err: fmt.Errorf("unexpected websocket message type: %d", msgType)}
	}
	return Unmarshal(data)
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
