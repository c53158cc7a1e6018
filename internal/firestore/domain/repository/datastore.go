package repository

import (
	"context"

	"firestore-sync/internal/firestore/domain/model"
)

// WriteResponse is the server's answer to one write-stream message. The
// handshake response carries only a stream token.
type WriteResponse struct {
	StreamToken     []byte
	CommitVersion   model.SnapshotVersion
	MutationResults []model.MutationResult
}

// WatchConnection is one live listen stream. Recv blocks until the next
// server message; stream-level failures are returned as errors and close
// the connection.
type WatchConnection interface {
	// WatchTarget registers a target, resuming from its resume token.
	WatchTarget(data *model.TargetData) error
	UnwatchTarget(targetID model.TargetID) error
	// Recv returns the next change and the server's snapshot version for
	// it (zero when the message carries none).
	Recv() (model.WatchChange, model.SnapshotVersion, error)
	Close() error
}

// WriteConnection is one live write stream.
type WriteConnection interface {
	// WriteHandshake sends the initial empty write carrying the last
	// known stream token. It must complete before WriteMutations.
	WriteHandshake(streamToken []byte) error
	WriteMutations(streamToken []byte, mutations []model.Mutation) error
	Recv() (*WriteResponse, error)
	Close() error
}

// Datastore is the wire transport to the backend. Opening a connection
// performs credential lookup and dial; both may fail with retryable codes.
type Datastore interface {
	OpenWatch(ctx context.Context) (WatchConnection, error)
	OpenWrite(ctx context.Context) (WriteConnection, error)

	// Commit applies mutations through the unary RPC, used by
	// transactions rather than the write stream.
	Commit(ctx context.Context, mutations []model.Mutation) ([]model.MutationResult, model.SnapshotVersion, error)
	// BatchGet reads the authoritative current state of the given keys,
	// returning a Document or NoDocument per key.
	BatchGet(ctx context.Context, keys []model.DocumentKey) ([]model.MaybeDocument, error)
}
