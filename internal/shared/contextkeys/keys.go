package contextkeys

// contextKey is an unexported type to prevent collisions with context keys defined in
// other packages.
type contextKey string

// String makes contextKey satisfy the Stringer interface to assist with debugging.
func (c contextKey) String() string {
	return "firestore-sync context key " + string(c)
}

// ClientIDKey is the key for the sync client instance ID in context.Context
const ClientIDKey = contextKey("clientID")

// UserIDKey is the key for the authenticated user ID in context.Context
const UserIDKey = contextKey("userID")

// DatabaseIDKey is the key for the database ID in context.Context
const DatabaseIDKey = contextKey("databaseID")

// TargetIDKey is the key for the active listen target ID in context.Context
const TargetIDKey = contextKey("targetID")

// BatchIDKey is the key for the mutation batch ID in context.Context
const BatchIDKey = contextKey("batchID")

// ComponentKey is the key for the engine component name in context.Context
const ComponentKey = contextKey("component")

// OperationKey is the key for the current operation name in context.Context
const OperationKey = contextKey("operation")
