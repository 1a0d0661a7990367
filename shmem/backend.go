package shmem

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/reusee/ipcbench"
	"github.com/reusee/ipcbench/internal/logger"
)

const namePrefix = "ipcbench_shm_"

type Option func(*Backend)

// WithSize sets the total region size, header included.
func WithSize(size int) Option {
	return func(b *Backend) {
		b.size = size
	}
}

func WithDir(dir string) Option {
	return func(b *Backend) {
		b.dir = dir
	}
}

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

// Backend publishes record sets through a Segment.
type Backend struct {
	size   int
	dir    string
	codec  ipcbench.Codec
	logger *slog.Logger

	role ipcbench.Role
	seg  *Segment
}

var _ ipcbench.Backend = (*Backend)(nil)

func New(opts ...Option) *Backend {
	b := &Backend{
		size:   DefaultSize,
		dir:    defaultDir(),
		codec:  ipcbench.DefaultCodec,
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func defaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func (b *Backend) Name() string {
	return "SharedMemory"
}

func (b *Backend) FanOut() ipcbench.FanOut {
	return ipcbench.FanOutStorage
}

func (b *Backend) SupportsStreaming() bool {
	return false
}

func (b *Backend) PrepareStream(int) {}

func (b *Backend) Initialize(ctx context.Context, name string, role ipcbench.Role) error {
	if b.seg != nil {
		return ipcbench.ErrAlreadyInitialized
	}
	path := filepath.Join(b.dir, namePrefix+name)
	var (
		seg *Segment
		err error
	)
	if role == ipcbench.Writer {
		seg, err = Create(path, b.size)
	} else {
		seg, err = Attach(path)
	}
	if err != nil {
		return fmt.Errorf("%w: shared memory %s: %w", ipcbench.ErrResourceInit, path, err)
	}
	b.seg = seg
	b.role = role

	if seg.Reused() {
		b.logger.WarnContext(ctx, "shared memory already existed, reusing",
			logger.Path(path),
		)
	}
	b.logger.InfoContext(ctx, "shared memory attached",
		logger.Path(path),
		logger.Role(role.String()),
		slog.Int("capacity", seg.Capacity()),
	)
	return nil
}

func (b *Backend) WriteBytes(_ context.Context, payload []byte) error {
	if b.seg == nil {
		return ipcbench.ErrNotInitialized
	}
	if b.role != ipcbench.Writer {
		return ipcbench.ErrRoleViolation
	}
	return b.seg.Write(payload)
}

func (b *Backend) ReadBytes(context.Context) ([]byte, error) {
	if b.seg == nil {
		return nil, ipcbench.ErrNotInitialized
	}
	payload, _, err := b.seg.Read()
	return payload, err
}

func (b *Backend) Write(ctx context.Context, set ipcbench.RecordSet) error {
	if b.seg != nil && b.role != ipcbench.Writer {
		return ipcbench.ErrRoleViolation
	}
	return ipcbench.WriteRecords(ctx, b, b.codec, set)
}

func (b *Backend) Read(ctx context.Context) (ipcbench.RecordSet, bool, error) {
	return ipcbench.ReadRecords(ctx, b, b.codec)
}

// Header returns the current (length, version) pair of the segment.
func (b *Backend) Header() (length, version uint32, err error) {
	if b.seg == nil {
		return 0, 0, ipcbench.ErrNotInitialized
	}
	length, version = b.seg.Header()
	return length, version, nil
}

// Capacity is the largest payload Write accepts. Once attached it is taken
// from the segment, which a reader may see at a size other than its own
// configured one.
func (b *Backend) Capacity() int {
	if b.seg != nil {
		return b.seg.Capacity()
	}
	return b.size - HeaderSize
}

func (b *Backend) Cleanup() error {
	if b.seg == nil {
		return nil
	}
	path := b.seg.Path()
	err := b.seg.Close()
	b.seg = nil
	if b.role == ipcbench.Writer {
		b.logger.Info("shared memory unlinked", logger.Path(path), logger.Error(err))
	}
	return err
}
