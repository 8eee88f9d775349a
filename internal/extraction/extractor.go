// Package extraction defines the boundary to the external document-analysis
// collaborator. The core invokes it once per chunk (or once per whole buffer)
// and treats it as an opaque fallible operation: its internal retry or
// rate-limit behavior is its own business.
package extraction

import "context"

// Result is the structured output of one extraction call. Its contents are
// opaque to the resource core.
type Result struct {
	Fields map[string]string
	Raw    []byte
}

// Extractor consumes a byte buffer and returns structured results or fails.
type Extractor interface {
	Extract(ctx context.Context, buffer []byte) (*Result, error)
}

// Func adapts a plain function to the Extractor interface.
type Func func(ctx context.Context, buffer []byte) (*Result, error)

func (f Func) Extract(ctx context.Context, buffer []byte) (*Result, error) {
	return f(ctx, buffer)
}
