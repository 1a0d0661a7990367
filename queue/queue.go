// Package queue is the push/pull message backend: a Redis list the writer
// pushes onto and readers pop from, so each message reaches exactly one
// reader.
//
// Delivery is at-most-once. A message popped by a reader that then exits is
// lost; nothing is acknowledged or redelivered.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/reusee/ipcbench"
	"github.com/reusee/ipcbench/internal/logger"
)

const (
	DefaultURL     = "redis://localhost:6379/0"
	DefaultTimeout = 2 * time.Second
	keyPrefix      = "ipcbench:queue:"
)

type Option func(*Backend)

func WithURL(url string) Option {
	return func(b *Backend) {
		b.url = url
	}
}

// WithTimeout bounds how long a reader waits for one message. Redis counts
// blocking timeouts in whole seconds, so anything shorter waits one second.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) {
		b.timeout = d
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

type Backend struct {
	url     string
	timeout time.Duration
	codec   ipcbench.Codec
	logger  *slog.Logger

	role     ipcbench.Role
	key      string
	client   *redis.Client
	expected int
}

var _ ipcbench.Backend = (*Backend)(nil)

func New(opts ...Option) *Backend {
	b := &Backend{
		url:     DefaultURL,
		timeout: DefaultTimeout,
		codec:   ipcbench.DefaultCodec,
		logger:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string {
	return "RedisQueue"
}

func (b *Backend) FanOut() ipcbench.FanOut {
	return ipcbench.FanOutRoundRobin
}

func (b *Backend) SupportsStreaming() bool {
	return true
}

// PrepareStream records how many messages this handle will send or receive.
func (b *Backend) PrepareStream(expected int) {
	b.expected = expected
	b.logger.Debug("stream prepared",
		logger.Path(b.key),
		logger.Role(b.role.String()),
		logger.Count("expected", expected),
	)
}

func (b *Backend) Initialize(ctx context.Context, name string, role ipcbench.Role) error {
	if b.client != nil {
		return ipcbench.ErrAlreadyInitialized
	}
	opts, err := redis.ParseURL(b.url)
	if err != nil {
		return fmt.Errorf("%w: redis url: %w", ipcbench.ErrResourceInit, err)
	}
	// BRPOP blocks longer than the default read timeout
	opts.ReadTimeout = b.timeout + 3*time.Second
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("%w: redis %s: %w", ipcbench.ErrResourceInit, opts.Addr, err)
	}

	key := keyPrefix + name
	if role == ipcbench.Writer {
		// drop messages left by an aborted run
		n, err := client.Del(ctx, key).Result()
		if err != nil {
			client.Close()
			return fmt.Errorf("%w: reset %s: %w", ipcbench.ErrResourceInit, key, err)
		}
		if n > 0 {
			b.logger.WarnContext(ctx, "queue already existed, cleared", logger.Path(key))
		}
	}

	b.client = client
	b.key = key
	b.role = role
	b.logger.InfoContext(ctx, "queue connected",
		logger.Path(key),
		logger.Role(role.String()),
		slog.String("addr", opts.Addr),
	)
	return nil
}

func (b *Backend) WriteBytes(ctx context.Context, payload []byte) error {
	if b.client == nil {
		return ipcbench.ErrNotInitialized
	}
	if b.role != ipcbench.Writer {
		return ipcbench.ErrRoleViolation
	}
	return b.client.LPush(ctx, b.key, payload).Err()
}

// ReadBytes pops the oldest message, waiting up to the configured timeout.
func (b *Backend) ReadBytes(ctx context.Context) ([]byte, error) {
	if b.client == nil {
		return nil, ipcbench.ErrNotInitialized
	}
	if b.role != ipcbench.Reader {
		return nil, ipcbench.ErrRoleViolation
	}
	res, err := b.client.BRPop(ctx, b.timeout, b.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s after %s", ipcbench.ErrTimeout, b.key, b.timeout)
	}
	if err != nil {
		return nil, err
	}
	// key, value
	return []byte(res[1]), nil
}

func (b *Backend) Write(ctx context.Context, set ipcbench.RecordSet) error {
	if b.client != nil && b.role != ipcbench.Writer {
		return ipcbench.ErrRoleViolation
	}
	return ipcbench.WriteRecords(ctx, b, b.codec, set)
}

func (b *Backend) Read(ctx context.Context) (ipcbench.RecordSet, bool, error) {
	return ipcbench.ReadRecords(ctx, b, b.codec)
}

// Len reports how many messages are waiting.
func (b *Backend) Len(ctx context.Context) (int64, error) {
	if b.client == nil {
		return 0, ipcbench.ErrNotInitialized
	}
	return b.client.LLen(ctx, b.key).Result()
}

func (b *Backend) Cleanup() error {
	if b.client == nil {
		return nil
	}
	var err error
	if b.role == ipcbench.Writer {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = b.client.Del(ctx, b.key).Err()
		b.logger.Info("queue removed", logger.Path(b.key), logger.Error(err))
	}
	err = errors.Join(err, b.client.Close())
	b.client = nil
	return err
}
