package ipcbench

import (
	"context"
	"fmt"
)

type Role int

const (
	Reader Role = iota
	Writer
)

func (r Role) String() string {
	if r == Writer {
		return "writer"
	}
	return "reader"
}

// FanOut describes how one transport write reaches the readers.
type FanOut int

const (
	// FanOutStorage: one write replaces a stored value that every reader
	// observes independently and repeatedly.
	FanOutStorage FanOut = iota
	// FanOutRoundRobin: each message is delivered to exactly one reader.
	FanOutRoundRobin
	// FanOutBroadcast: one collective operation delivers the same payload to
	// every reader.
	FanOutBroadcast
)

func (f FanOut) String() string {
	switch f {
	case FanOutStorage:
		return "storage"
	case FanOutRoundRobin:
		return "round-robin"
	case FanOutBroadcast:
		return "broadcast"
	}
	return fmt.Sprintf("FanOut(%d)", int(f))
}

// Transport is the byte-level half of a backend. The scenario driver times
// these calls so that encoding cost is kept out of transport numbers.
type Transport interface {
	// WriteBytes publishes one payload. Writer only.
	WriteBytes(ctx context.Context, payload []byte) error
	// ReadBytes returns the latest published payload (shared storage) or the
	// next message (message passing). A nil payload with a nil error means
	// nothing has been published yet.
	ReadBytes(ctx context.Context) ([]byte, error)
}

type Backend interface {
	Transport

	Name() string
	FanOut() FanOut
	SupportsStreaming() bool

	// Initialize binds the handle to a named resource. It may be called once
	// per handle; the role never changes afterwards.
	Initialize(ctx context.Context, name string, role Role) error
	Write(ctx context.Context, set RecordSet) error
	// Read reports false when no record set is available under the
	// backend's wait policy.
	Read(ctx context.Context) (RecordSet, bool, error)
	PrepareStream(expected int)
	// Cleanup releases the handle. The writer also destroys the named
	// resource. Safe after a failed or missing Initialize.
	Cleanup() error
}

// WriteRecords encodes set with codec and publishes it through t.
func WriteRecords(ctx context.Context, t Transport, codec Codec, set RecordSet) error {
	payload, err := codec.Encode(set)
	if err != nil {
		return err
	}
	return t.WriteBytes(ctx, payload)
}

// ReadRecords fetches one payload through t and decodes it with codec.
func ReadRecords(ctx context.Context, t Transport, codec Codec) (RecordSet, bool, error) {
	payload, err := t.ReadBytes(ctx)
	if err != nil || payload == nil {
		return RecordSet{}, false, err
	}
	set, err := codec.Decode(payload)
	if err != nil {
		return RecordSet{}, false, err
	}
	return set, true, nil
}

// ResourceName derives the shared resource name for a run, so repeated runs
// with different tags or sizes never share state.
func ResourceName(tag string, dataSize int) string {
	return fmt.Sprintf("%s_%d", tag, dataSize)
}
