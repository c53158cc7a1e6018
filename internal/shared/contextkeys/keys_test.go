//go:build unit
// +build unit

package contextkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKey_String(t *testing.T) {
	key := contextKey("testKey")
	assert.Equal(t, "firestore-sync context key testKey", key.String())
}

func TestContextKeys_Usage(t *testing.T) {
	ctx := context.Background()
	ctx = context.WithValue(ctx, ClientIDKey, "client-123")
	ctx = context.WithValue(ctx, UserIDKey, "user-123")
	ctx = context.WithValue(ctx, DatabaseIDKey, "db-xyz")
	ctx = context.WithValue(ctx, TargetIDKey, "2")
	ctx = context.WithValue(ctx, BatchIDKey, "7")
	ctx = context.WithValue(ctx, ComponentKey, "component-logger")
	ctx = context.WithValue(ctx, OperationKey, "operation-listen")

	assert.Equal(t, "client-123", ctx.Value(ClientIDKey))
	assert.Equal(t, "user-123", ctx.Value(UserIDKey))
	assert.Equal(t, "db-xyz", ctx.Value(DatabaseIDKey))
	assert.Equal(t, "2", ctx.Value(TargetIDKey))
	assert.Equal(t, "7", ctx.Value(BatchIDKey))
	assert.Equal(t, "component-logger", ctx.Value(ComponentKey))
	assert.Equal(t, "operation-listen", ctx.Value(OperationKey))
}
