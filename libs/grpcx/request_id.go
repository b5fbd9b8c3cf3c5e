package grpcx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// RequestIDMetadataKey is the metadata key used to propagate request ids
// across gRPC hops. gRPC metadata conventions want it lowercase.
const RequestIDMetadataKey = "x-request-id"

type ctxKey int

const requestIDKey ctxKey = iota

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

func NewRequestID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
