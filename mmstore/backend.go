package mmstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/reusee/ipcbench"
	"github.com/reusee/ipcbench/internal/logger"
)

const (
	dirPrefix = "ipcbench_mm_"
	dataFile  = "data.mdb"
)

var dataKey = []byte("data")

type Option func(*Backend)

func WithMapSize(size int) Option {
	return func(b *Backend) {
		b.mapSize = size
	}
}

// WithDir sets the parent directory of per-run store directories.
func WithDir(dir string) Option {
	return func(b *Backend) {
		b.baseDir = dir
	}
}

func WithSync(sync bool) Option {
	return func(b *Backend) {
		b.sync = sync
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

// Backend keeps the latest payload under a single key; every write is one
// Update transaction and every read one View transaction.
type Backend struct {
	mapSize int
	baseDir string
	sync    bool
	codec   ipcbench.Codec
	logger  *slog.Logger

	dir   string
	role  ipcbench.Role
	store *Store
}

var _ ipcbench.Backend = (*Backend)(nil)

func New(opts ...Option) *Backend {
	b := &Backend{
		mapSize: DefaultMapSize,
		baseDir: os.TempDir(),
		codec:   ipcbench.DefaultCodec,
		logger:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string {
	return "MMStore"
}

func (b *Backend) FanOut() ipcbench.FanOut {
	return ipcbench.FanOutStorage
}

func (b *Backend) SupportsStreaming() bool {
	return false
}

func (b *Backend) PrepareStream(int) {}

func (b *Backend) Initialize(ctx context.Context, name string, role ipcbench.Role) error {
	if b.store != nil {
		return ipcbench.ErrAlreadyInitialized
	}
	dir := filepath.Join(b.baseDir, dirPrefix+name)
	b.role = role
	if role == ipcbench.Writer {
		// owned from here on, so Cleanup after a failed open still removes it
		b.dir = dir
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %w", ipcbench.ErrResourceInit, err)
		}
	}
	store, err := Open(filepath.Join(dir, dataFile), Options{
		MapSize:  b.mapSize,
		ReadOnly: role != ipcbench.Writer,
		Sync:     b.sync,
	})
	if err != nil {
		return fmt.Errorf("%w: store %s: %w", ipcbench.ErrResourceInit, dir, err)
	}
	b.store = store
	b.dir = dir

	b.logger.InfoContext(ctx, "store opened",
		logger.Path(dir),
		logger.Role(role.String()),
		slog.Uint64("txid", store.Stats().TxID),
	)
	return nil
}

func (b *Backend) WriteBytes(_ context.Context, payload []byte) error {
	if b.store == nil {
		return ipcbench.ErrNotInitialized
	}
	if b.role != ipcbench.Writer {
		return ipcbench.ErrRoleViolation
	}
	err := b.store.Update(func(tx *Tx) error {
		return tx.Put(dataKey, payload)
	})
	if errors.Is(err, ErrMapFull) {
		return fmt.Errorf("%w: %w", ipcbench.ErrCapacityExceeded, err)
	}
	return err
}

func (b *Backend) ReadBytes(context.Context) ([]byte, error) {
	if b.store == nil {
		return nil, ipcbench.ErrNotInitialized
	}
	var payload []byte
	err := b.store.View(func(tx *Tx) error {
		payload = tx.Get(dataKey)
		return nil
	})
	return payload, err
}

func (b *Backend) Write(ctx context.Context, set ipcbench.RecordSet) error {
	if b.store != nil && b.role != ipcbench.Writer {
		return ipcbench.ErrRoleViolation
	}
	return ipcbench.WriteRecords(ctx, b, b.codec, set)
}

func (b *Backend) Read(ctx context.Context) (ipcbench.RecordSet, bool, error) {
	return ipcbench.ReadRecords(ctx, b, b.codec)
}

func (b *Backend) Stats() (Stats, error) {
	if b.store == nil {
		return Stats{}, ipcbench.ErrNotInitialized
	}
	return b.store.Stats(), nil
}

func (b *Backend) Cleanup() error {
	var err error
	if b.store != nil {
		err = b.store.Close()
		b.store = nil
	}
	if b.role == ipcbench.Writer && b.dir != "" {
		err = errors.Join(err, os.RemoveAll(b.dir))
		b.logger.Info("store removed", logger.Path(b.dir), logger.Error(err))
		b.dir = ""
	}
	return err
}
