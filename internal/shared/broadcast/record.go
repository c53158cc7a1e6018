// Package broadcast defines the wire record clients use to mirror
// shared state between processes over an external pub/sub channel.
package broadcast

import "time"

// SchemaVersion is stamped on every record so that clients running different
// builds can ignore records they do not understand.
const SchemaVersion = 1

// Record is a keyed shared-state entry broadcast between sync clients that
// share the same persistence (multi-client deployments).
type Record struct {
	Key           string      `json:"key"`
	SchemaVersion int         `json:"schemaVersion"`
	WriterID      string      `json:"writerId"`
	WrittenAt     time.Time   `json:"writtenAt"`
	Payload       interface{} `json:"payload,omitempty"`
}
