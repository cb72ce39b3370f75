package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MaxMessageSize bounds one framed message. A full snapshot of a large
	// document still fits.
	MaxMessageSize = 16 << 20

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var ErrMessageTooLarge = errors.New("transport: message too large")

// Conn is a reliable, ordered, message oriented link to one peer.
// ReadMessage is called from one goroutine; WriteMessage may be called
// concurrently with it.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close() error
}

type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	done chan struct{}
	once sync.Once
}

// NewWebsocketConn adapts a websocket. It keeps the link alive with pings
// and treats a peer that stops answering for a minute as gone.
func NewWebsocketConn(conn *websocket.Conn) Conn {
	c := &wsConn{conn: conn, done: make(chan struct{})}
	conn.SetReadLimit(MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.keepAlive()
	return c
}

func (c *wsConn) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (c *wsConn) WriteMessage(msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

type streamConn struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

// NewStreamConn frames messages over a byte stream: a varint length followed
// by the payload.
func NewStreamConn(conn net.Conn) Conn {
	return &streamConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *streamConn) ReadMessage() ([]byte, error) {
	n, err := binary.ReadUvarint(c.r)
	if err != nil {
		return nil, err
	}
	if n > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(c.r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *streamConn) WriteMessage(msg []byte) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	frame := protowire.AppendVarint(make([]byte, 0, len(msg)+binary.MaxVarintLen64), uint64(len(msg)))
	frame = append(frame, msg...)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err := c.conn.Write(frame)
	return err
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}
