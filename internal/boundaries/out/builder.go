package out

import (
	"context"

	"github.com/bindery-io/bindery/internal/domain"
)

// LogSink receives build output lines as they are produced so a client
// polling mid-build sees partial logs. Implementations must be safe for
// use from the single worker goroutine driving the build.
type LogSink interface {
	WriteLine(line string)
}

// BuildOutcome holds the builder's outputs for a successful invocation.
type BuildOutcome struct {
	IndexImage         string
	IndexImageResolved string
	ArchDigests        map[string]string
}

// Builder defines the contract for the external index-building toolchain.
// Invoke is blocking, arbitrarily long-running, and non-preemptible: once
// started it runs to completion and the caller applies the outcome
// afterwards. Resolved digest pins on req are populated before invocation.
type Builder interface {
	Invoke(ctx context.Context, req *domain.Request, sink LogSink) (*BuildOutcome, error)
}
