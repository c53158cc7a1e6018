package ws

import (
	"github.com/fasthttp/websocket"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"
)

// writeConn is one live write channel. The handshake is an empty write
// carrying the last persisted stream token; the server answers with the
// token to use for the first batch.
type writeConn struct {
	conn *websocket.Conn
	log  logger.Logger
}

func newWriteConn(conn *websocket.Conn, log logger.Logger) *writeConn {
	return &writeConn{conn: conn, log: log.WithComponent("write-conn")}
}

func (c *writeConn) WriteHandshake(streamToken []byte) error {
	msg := &clientMessage{
		Type:        messageTypeWrite,
		StreamToken: encodeResumeToken(streamToken),
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return errors.NewUnavailable("write handshake: %v", err)
	}
	return nil
}

func (c *writeConn) WriteMutations(streamToken []byte, mutations []model.Mutation) error {
	msg := &clientMessage{
		Type:        messageTypeWrite,
		StreamToken: encodeResumeToken(streamToken),
		Writes:      encodeMutations(mutations),
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return errors.NewUnavailable("write mutations: %v", err)
	}
	return nil
}

func (c *writeConn) Recv() (*repository.WriteResponse, error) {
	for {
		var msg serverMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return nil, classifyStreamError(err)
		}
		if msg.Type == messageTypeHeartbeat {
			continue
		}
		return decodeWriteResponse(&msg)
	}
}

func (c *writeConn) Close() error {
	return c.conn.Close()
}
