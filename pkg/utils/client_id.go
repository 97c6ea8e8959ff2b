package utils

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"
)

const (
	// ClientIDHeader carries the id of the client stub that sent a request to the hub.
	ClientIDHeader = "x-client-id"
)

// NewClientID returns a fresh random client id.
func NewClientID() string {
	return uuid.New().String()
}

// ExtractClientIDHeader returns the client id of an incoming request, if it has one.
func ExtractClientIDHeader(ctx context.Context) (string, bool) {
	values := metadata.ValueFromIncomingContext(ctx, ClientIDHeader)
	if len(values) == 0 || values[0] == "" {
		return "", false
	}
	return values[0], true
}

// SetClientIDHeader adds the client id to the metadata of an outgoing request, keeping whatever
// metadata the context already carries.
func SetClientIDHeader(ctx context.Context, clientID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, ClientIDHeader, clientID)
}
