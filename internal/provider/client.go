package provider

import (
	"context"
	"io"

	"relayd/pkg/types"
)

// Endpoint is the connection configuration for one backend.
type Endpoint struct {
	URL    string
	APIKey string
	Model  string
}

// Client issues a streaming completion call against one endpoint. The
// actual transport and TLS live outside this module; the pool only
// needs chunks or a failure.
type Client interface {
	// Stream starts the call and returns the raw event-stream body.
	// The reader yields byte chunks in arrival order; the caller
	// closes it. Errors are classified by the caller via ClassifyError.
	Stream(ctx context.Context, ep Endpoint, req types.CompletionRequest) (io.ReadCloser, error)
}
