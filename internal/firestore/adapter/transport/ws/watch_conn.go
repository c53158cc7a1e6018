package ws

import (
	"github.com/fasthttp/websocket"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"
)

// watchConn is one live listen channel. Sends happen from the engine
// queue goroutine, Recv from the stream's read loop; the websocket
// permits that split without extra locking.
type watchConn struct {
	conn *websocket.Conn
	log  logger.Logger
}

func newWatchConn(conn *websocket.Conn, log logger.Logger) *watchConn {
	return &watchConn{conn: conn, log: log.WithComponent("watch-conn")}
}

func (c *watchConn) WatchTarget(data *model.TargetData) error {
	msg := &clientMessage{
		Type:      messageTypeAddTarget,
		AddTarget: encodeTarget(data),
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return errors.NewUnavailable("watch target %d: %v", data.TargetID, err)
	}
	return nil
}

func (c *watchConn) UnwatchTarget(targetID model.TargetID) error {
	id := int32(targetID)
	msg := &clientMessage{
		Type:           messageTypeRemoveTarget,
		RemoveTargetID: &id,
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return errors.NewUnavailable("unwatch target %d: %v", targetID, err)
	}
	return nil
}

// Recv blocks for the next frame. Heartbeats are consumed here; every
// returned change carries the frame's read time when the server sent one.
func (c *watchConn) Recv() (model.WatchChange, model.SnapshotVersion, error) {
	for {
		var msg serverMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return nil, model.SnapshotVersionMin, classifyStreamError(err)
		}
		if msg.Type == messageTypeHeartbeat {
			continue
		}

		change, err := decodeWatchChange(&msg)
		if err != nil {
			return nil, model.SnapshotVersionMin, err
		}
		version := model.SnapshotVersionMin
		if msg.ReadTime != nil {
			version = model.NewSnapshotVersion(*msg.ReadTime)
		}
		return change, version, nil
	}
}

func (c *watchConn) Close() error {
	return c.conn.Close()
}

// classifyStreamError maps transport-level read failures onto retryable
// codes. Server-reported failures arrive as error frames instead and keep
// their own code.
func classifyStreamError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return errors.NewUnavailable("stream closed by server")
	}
	return errors.NewUnavailable("stream read: %v", err)
}
