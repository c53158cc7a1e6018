// Package ws implements the backend transport over websocket channels.
// The listen channel carries target registrations and watch changes, the
// write channel carries mutation batches, and a short-lived rpc channel
// serves unary commits and lookups.
package ws

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/fasthttp/websocket"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
	"firestore-sync/internal/shared/logger"
)

const (
	handshakeTimeout = 10 * time.Second
	rpcTimeout       = 30 * time.Second
)

// Datastore dials the sync backend and exposes the stream and unary
// surfaces the remote store consumes.
type Datastore struct {
	baseURL     string
	credentials repository.CredentialsProvider
	dialer      *websocket.Dialer
	log         logger.Logger
}

func NewDatastore(baseURL string, credentials repository.CredentialsProvider, log logger.Logger) *Datastore {
	return &Datastore{
		baseURL:     baseURL,
		credentials: credentials,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},

		log: log.WithComponent("ws-datastore"),
	}
}

// dial opens one websocket to the given channel endpoint, attaching the
// current credential as a bearer token. The token also rides in the
// query string for proxies that strip websocket upgrade headers.
func (d *Datastore) dial(ctx context.Context, channel string) (*websocket.Conn, error) {
	endpoint, err := url.JoinPath(d.baseURL, channel)
	if err != nil {
		return nil, errors.NewInvalidArgument("invalid backend url %q: %v", d.baseURL, err)
	}

	headers := http.Header{}
	token, err := d.credentials.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	if token != nil {
		headers.Set("Authorization", "Bearer "+token.Value)

		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, errors.NewInvalidArgument("invalid backend url %q: %v", endpoint, err)
		}
		q := u.Query()
		q.Set("token", token.Value)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			d.credentials.InvalidateToken()
			return nil, errors.New(errors.CodeUnauthenticated, "backend rejected credentials")
		}
		return nil, errors.NewUnavailable("dial %s: %v", endpoint, err)
	}

	d.log.WithFields(map[string]interface{}{
		"endpoint": endpoint,
	}).Debug("Connection established")
	return conn, nil
}

func (d *Datastore) OpenWatch(ctx context.Context) (repository.WatchConnection, error) {
	conn, err := d.dial(ctx, "listen")
	if err != nil {
		return nil, err
	}
	return newWatchConn(conn, d.log), nil
}

func (d *Datastore) OpenWrite(ctx context.Context) (repository.WriteConnection, error) {
	conn, err := d.dial(ctx, "write")
	if err != nil {
		return nil, err
	}
	return newWriteConn(conn, d.log), nil
}

// Commit applies mutations through a one-shot rpc exchange, bypassing
// the write stream and its token ordering.
func (d *Datastore) Commit(ctx context.Context, mutations []model.Mutation) ([]model.MutationResult, model.SnapshotVersion, error) {
	req := &clientMessage{
		Type:   messageTypeCommit,
		Writes: encodeMutations(mutations),
	}

	resp, err := d.roundTrip(ctx, req)
	if err != nil {
		return nil, model.SnapshotVersionMin, err
	}
	if resp.Type != messageTypeCommitResponse {
		return nil, model.SnapshotVersionMin, errors.Newf(errors.CodeInternal, "unexpected rpc frame type %q", resp.Type)
	}

	commitVersion := model.SnapshotVersionMin
	if resp.CommitTime != nil {
		commitVersion = model.NewSnapshotVersion(*resp.CommitTime)
	}
	results := make([]model.MutationResult, 0, len(resp.WriteResults))
	for _, wr := range resp.WriteResults {
		result := model.MutationResult{TransformResults: wr.TransformResults}
		if wr.UpdateTime != nil {
			result.Version = model.NewSnapshotVersion(*wr.UpdateTime)
		}
		results = append(results, result)
	}
	return results, commitVersion, nil
}

// BatchGet reads the current server state of the given keys. Keys the
// server reports missing come back as NoDocuments at the read time.
func (d *Datastore) BatchGet(ctx context.Context, keys []model.DocumentKey) ([]model.MaybeDocument, error) {
	paths := make([]string, 0, len(keys))
	for _, key := range keys {
		paths = append(paths, key.String())
	}
	req := &clientMessage{
		Type:      messageTypeBatchGet,
		Documents: paths,
	}

	resp, err := d.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Type != messageTypeBatchGetResponse {
		return nil, errors.Newf(errors.CodeInternal, "unexpected rpc frame type %q", resp.Type)
	}

	byKey := map[string]model.MaybeDocument{}
	for i := range resp.Found {
		doc, err := decodeDocument(&resp.Found[i])
		if err != nil {
			return nil, err
		}
		byKey[doc.Key().String()] = doc
	}
	for i := range resp.Missing {
		noDoc, err := decodeMissing(&resp.Missing[i])
		if err != nil {
			return nil, err
		}
		byKey[noDoc.Key().String()] = noDoc
	}

	// Preserve request order; a key the server never mentioned is an
	// internal error rather than a silent miss.
	docs := make([]model.MaybeDocument, 0, len(keys))
	for _, key := range keys {
		doc, ok := byKey[key.String()]
		if !ok {
			return nil, errors.Newf(errors.CodeInternal, "server omitted document %s", key.String())
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// roundTrip opens an rpc channel, sends one request and reads one
// response. Error frames become SyncErrors with the server's code.
func (d *Datastore) roundTrip(ctx context.Context, req *clientMessage) (*serverMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	conn, err := d.dial(ctx, "rpc")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, errors.NewUnavailable("rpc send: %v", err)
	}

	var resp serverMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, errors.NewUnavailable("rpc receive: %v", err)
	}
	if resp.Type == messageTypeError {
		return nil, resp.Error.toError()
	}
	return &resp, nil
}
