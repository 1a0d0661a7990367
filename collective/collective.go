// Package collective is the broadcast backend: every write is one root-0
// broadcast over the process group, received by all readers at once.
//
// All ranks must issue the same number of transport calls. The writer takes
// part in a reader-side call by re-sending its staged payload, which is how
// the scenario driver keeps the writer in step when it only stages data
// before the publish barrier.
package collective

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/reusee/ipcbench"
	"github.com/reusee/ipcbench/group"
	"github.com/reusee/ipcbench/internal/logger"
)

type Option func(*Backend)

func WithCodec(c ipcbench.Codec) Option {
	return func(b *Backend) {
		b.codec = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

type Backend struct {
	comm   group.Comm
	codec  ipcbench.Codec
	logger *slog.Logger

	ready  bool
	role   ipcbench.Role
	name   string
	staged []byte
	sent   int
}

var _ ipcbench.Backend = (*Backend)(nil)

// New returns a backend broadcasting over comm. The backend never closes
// comm.
func New(comm group.Comm, opts ...Option) *Backend {
	b := &Backend{
		comm:   comm,
		codec:  ipcbench.DefaultCodec,
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string {
	return "Broadcast"
}

func (b *Backend) FanOut() ipcbench.FanOut {
	return ipcbench.FanOutBroadcast
}

func (b *Backend) SupportsStreaming() bool {
	return true
}

func (b *Backend) PrepareStream(expected int) {
	b.logger.Debug("stream prepared",
		logger.Role(b.role.String()),
		logger.Count("expected", expected),
	)
}

func (b *Backend) Initialize(ctx context.Context, name string, role ipcbench.Role) error {
	if b.ready {
		return ipcbench.ErrAlreadyInitialized
	}
	if b.comm == nil {
		return fmt.Errorf("%w: no process group", ipcbench.ErrResourceInit)
	}
	if (role == ipcbench.Writer) != (b.comm.Rank() == group.Root) {
		return fmt.Errorf("%w: %s role on rank %d, broadcast root is rank %d",
			ipcbench.ErrResourceInit, role, b.comm.Rank(), group.Root)
	}
	b.ready = true
	b.role = role
	b.name = name
	b.logger.InfoContext(ctx, "broadcast ready",
		logger.Path(name),
		logger.Role(role.String()),
		logger.Count("size", b.comm.Size()),
	)
	return nil
}

// WriteBytes stages payload and broadcasts it to every rank.
func (b *Backend) WriteBytes(ctx context.Context, payload []byte) error {
	if !b.ready {
		return ipcbench.ErrNotInitialized
	}
	if b.role != ipcbench.Writer {
		return ipcbench.ErrRoleViolation
	}
	b.staged = payload
	if _, err := b.comm.Bcast(ctx, group.Root, payload); err != nil {
		return err
	}
	b.sent++
	return nil
}

// Stage sets the payload later reader-side calls on the writer re-send,
// without broadcasting.
func (b *Backend) Stage(payload []byte) error {
	if !b.ready {
		return ipcbench.ErrNotInitialized
	}
	if b.role != ipcbench.Writer {
		return ipcbench.ErrRoleViolation
	}
	b.staged = payload
	return nil
}

// ReadBytes takes part in one broadcast. Readers get the root's payload; the
// writer re-sends its staged payload and gets nil.
func (b *Backend) ReadBytes(ctx context.Context) ([]byte, error) {
	if !b.ready {
		return nil, ipcbench.ErrNotInitialized
	}
	if b.role == ipcbench.Writer {
		if _, err := b.comm.Bcast(ctx, group.Root, b.staged); err != nil {
			return nil, err
		}
		b.sent++
		return nil, nil
	}
	payload, err := b.comm.Bcast(ctx, group.Root, nil)
	if err != nil {
		return nil, err
	}
	// an empty broadcast carries nothing staged yet
	if len(payload) == 0 {
		return nil, nil
	}
	return payload, nil
}

func (b *Backend) Write(ctx context.Context, set ipcbench.RecordSet) error {
	if b.ready && b.role != ipcbench.Writer {
		return ipcbench.ErrRoleViolation
	}
	return ipcbench.WriteRecords(ctx, b, b.codec, set)
}

func (b *Backend) Read(ctx context.Context) (ipcbench.RecordSet, bool, error) {
	return ipcbench.ReadRecords(ctx, b, b.codec)
}

// Sent reports how many broadcasts this handle has issued as root.
func (b *Backend) Sent() int {
	return b.sent
}

func (b *Backend) Cleanup() error {
	if b.ready && b.role == ipcbench.Writer {
		b.logger.Info("broadcast finished", logger.Path(b.name), logger.Count("sent", b.sent))
	}
	b.ready = false
	b.staged = nil
	return nil
}
