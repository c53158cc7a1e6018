package logger

import (
	"context"
	"testing"

	"firestore-sync/internal/shared/contextkeys"

	"github.com/stretchr/testify/assert"
)

func TestLoggerInterface_Contract(t *testing.T) {
	var _ Logger = NewLogger()
	var _ Logger = NewLoggerWithConfig("info", "json")
	var _ Logger = &NoopLogger{}
}

func TestLogrusLogger_WithFieldsAndContext(t *testing.T) {
	log := NewLogger()
	log2 := log.WithFields(map[string]interface{}{"foo": "bar"})
	assert.NotNil(t, log2)
	ctx := context.Background()
	ctx = context.WithValue(ctx, contextkeys.ClientIDKey, "client1")
	log3 := log.WithContext(ctx)
	assert.NotNil(t, log3)
}

func TestLogrusLogger_WithComponent(t *testing.T) {
	log := NewLogger()
	log2 := log.WithComponent("remote-store")
	assert.NotNil(t, log2)
}
