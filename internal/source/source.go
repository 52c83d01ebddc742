// Package source defines the capability every platform adapter implements.
//
// A tracker drives an adapter through three steps: Discover resolves a
// streamer into a Descriptor plus initial metadata, Open turns the
// Descriptor into a live Transport, and Decode maps each raw payload read
// from the transport into zero or more normalized events.
package source

import (
	"context"

	"github.com/you/livetap/internal/core"
)

// Descriptor is what Open needs to reach a live session.
type Descriptor struct {
	// Target is the transport address: a websocket URL or a chat id.
	Target string
	// Attrs carries platform specific connection parameters.
	Attrs map[string]string
}

// Transport is an established live connection. Recv blocks until the next
// raw payload arrives. Transports answer protocol keepalives themselves.
type Transport interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// StreamSource is implemented by each platform adapter. One instance serves
// exactly one tracker, so adapters may keep per-session state.
type StreamSource interface {
	Platform() core.Platform
	Discover(ctx context.Context, ref core.StreamerRef) (Descriptor, core.StreamMetadata, error)
	Open(ctx context.Context, desc Descriptor) (Transport, error)
	// Decode must not block. Unknown payload subtypes yield no events and no
	// error; undecodable payloads return an error wrapping core.ErrMalformed.
	Decode(session core.SessionID, raw []byte) ([]core.Event, error)
}

// Refresher is implemented by adapters that can re-read stream metadata
// while live (for example to pick up a new viewer count).
type Refresher interface {
	Refresh(ctx context.Context, ref core.StreamerRef) (core.StreamMetadata, error)
}

// Factory builds a fresh adapter for one tracker.
type Factory func() StreamSource
