package group

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/reusee/ipcbench"
	"github.com/reusee/ipcbench/internal/logger"
	"golang.org/x/sync/errgroup"
)

// Frames are binary websocket messages: one op byte followed by the payload.
const (
	opBarrier byte = iota + 1
	opRelease
	opBcast
	opGather
)

const joinPath = "/join"

type HubOption func(*hubConfig)

type hubConfig struct {
	logger         *slog.Logger
	maxDialElapsed time.Duration
	bufferSize     int
}

func WithLogger(l *slog.Logger) HubOption {
	return func(c *hubConfig) {
		c.logger = l
	}
}

// WithDialTimeout bounds how long Dial keeps retrying while the hub is not
// up yet.
func WithDialTimeout(d time.Duration) HubOption {
	return func(c *hubConfig) {
		c.maxDialElapsed = d
	}
}

func WithBufferSize(n int) HubOption {
	return func(c *hubConfig) {
		c.bufferSize = n
	}
}

func newHubConfig(opts []HubOption) *hubConfig {
	c := &hubConfig{
		logger:         logger.Discard(),
		maxDialElapsed: 30 * time.Second,
		bufferSize:     64 * 1024,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func writeFrame(ctx context.Context, conn *websocket.Conn, op byte, payload []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		conn.NetConn().SetWriteDeadline(time.Now())
	})
	defer stop()
	w, err := conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return peerError(err)
	}
	if _, err := w.Write([]byte{op}); err != nil {
		return peerError(err)
	}
	if _, err := w.Write(payload); err != nil {
		return peerError(err)
	}
	if err := w.Close(); err != nil {
		return peerError(err)
	}
	return nil
}

// readFrame reads one frame and checks its op. Cancelling ctx unblocks the
// read but leaves the connection unusable.
func readFrame(ctx context.Context, conn *websocket.Conn, want byte) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	} else {
		conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		conn.NetConn().SetReadDeadline(time.Now())
	})
	defer stop()
	typ, data, err := conn.ReadMessage()
	if err != nil {
		return nil, peerError(err)
	}
	if typ != websocket.BinaryMessage || len(data) == 0 {
		return nil, fmt.Errorf("%w: unexpected message type %d", ipcbench.ErrBarrierViolation, typ)
	}
	if data[0] != want {
		return nil, fmt.Errorf("%w: got op %d, want %d (collective calls out of step)",
			ipcbench.ErrBarrierViolation, data[0], want)
	}
	return data[1:], nil
}

func peerError(err error) error {
	return fmt.Errorf("%w: %w", ipcbench.ErrBarrierViolation, err)
}

// hubRoot is rank 0. It holds one connection per member; every collective
// is a round over all of them.
type hubRoot struct {
	size       int
	socketPath string
	members    []*websocket.Conn
	server     *http.Server
	logger     *slog.Logger
	closeOnce  sync.Once
}

// Listen starts the hub on a unix socket and returns the rank 0
// communicator once all size-1 members have joined.
func Listen(ctx context.Context, socketPath string, size int, opts ...HubOption) (Comm, error) {
	if size < 1 {
		return nil, fmt.Errorf("group: size %d", size)
	}
	cfg := newHubConfig(opts)

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: hub %s: %w", ipcbench.ErrResourceInit, socketPath, err)
	}

	h := &hubRoot{
		size:       size,
		socketPath: socketPath,
		members:    make([]*websocket.Conn, size),
		logger:     cfg.logger,
	}

	type joined struct {
		rank int
		conn *websocket.Conn
	}
	joins := make(chan joined)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  cfg.bufferSize,
		WriteBufferSize: cfg.bufferSize,
	}
	var (
		mu    sync.Mutex
		taken = make(map[int]bool)
	)
	mux := http.NewServeMux()
	mux.HandleFunc(joinPath, func(w http.ResponseWriter, r *http.Request) {
		rank, err := strconv.Atoi(r.URL.Query().Get("rank"))
		if err != nil || rank <= Root || rank >= size {
			http.Error(w, "bad rank", http.StatusBadRequest)
			return
		}
		if got := r.URL.Query().Get("size"); got != strconv.Itoa(size) {
			http.Error(w, "group size mismatch", http.StatusConflict)
			return
		}
		mu.Lock()
		dup := taken[rank]
		taken[rank] = true
		mu.Unlock()
		if dup {
			http.Error(w, "rank already joined", http.StatusConflict)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			mu.Lock()
			delete(taken, rank)
			mu.Unlock()
			return
		}
		select {
		case joins <- joined{rank: rank, conn: conn}:
		case <-r.Context().Done():
			conn.Close()
		}
	})
	h.server = &http.Server{Handler: mux}
	go h.server.Serve(ln)

	for n := 1; n < size; n++ {
		select {
		case j := <-joins:
			h.members[j.rank] = j.conn
			h.logger.DebugContext(ctx, "member joined", logger.Rank(j.rank))
		case <-ctx.Done():
			h.Close()
			return nil, fmt.Errorf("%w: waiting for %d members: %w", ipcbench.ErrResourceInit, size-n, ctx.Err())
		}
	}
	h.logger.InfoContext(ctx, "process group ready", logger.Count("size", size), logger.Path(socketPath))
	return h, nil
}

func (h *hubRoot) Rank() int {
	return Root
}

func (h *hubRoot) Size() int {
	return h.size
}

// each runs fn for every member connection concurrently.
func (h *hubRoot) each(ctx context.Context, fn func(ctx context.Context, rank int, conn *websocket.Conn) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for rank := 1; rank < h.size; rank++ {
		conn := h.members[rank]
		g.Go(func() error {
			return fn(ctx, rank, conn)
		})
	}
	return g.Wait()
}

func (h *hubRoot) Barrier(ctx context.Context) error {
	if err := h.each(ctx, func(ctx context.Context, _ int, conn *websocket.Conn) error {
		_, err := readFrame(ctx, conn, opBarrier)
		return err
	}); err != nil {
		return err
	}
	return h.each(ctx, func(ctx context.Context, _ int, conn *websocket.Conn) error {
		return writeFrame(ctx, conn, opRelease, nil)
	})
}

func (h *hubRoot) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if root != Root {
		return nil, ErrRoot
	}
	if err := h.each(ctx, func(ctx context.Context, _ int, conn *websocket.Conn) error {
		return writeFrame(ctx, conn, opBcast, data)
	}); err != nil {
		return nil, err
	}
	return data, nil
}

func (h *hubRoot) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	if root != Root {
		return nil, ErrRoot
	}
	out := make([][]byte, h.size)
	out[Root] = data
	if err := h.each(ctx, func(ctx context.Context, rank int, conn *websocket.Conn) error {
		payload, err := readFrame(ctx, conn, opGather)
		out[rank] = payload
		return err
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *hubRoot) Close() error {
	var err error
	h.closeOnce.Do(func() {
		for _, conn := range h.members {
			if conn == nil {
				continue
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
		err = h.server.Close()
		if rmErr := os.Remove(h.socketPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
	})
	return err
}

// hubMember is a non-root rank connected to the hub.
type hubMember struct {
	rank int
	size int
	conn *websocket.Conn
}

// Dial joins the hub at socketPath as rank. It retries with exponential
// backoff while the hub is not listening yet.
func Dial(ctx context.Context, socketPath string, rank, size int, opts ...HubOption) (Comm, error) {
	if rank <= Root || rank >= size {
		return nil, fmt.Errorf("group: rank %d out of range for size %d", rank, size)
	}
	cfg := newHubConfig(opts)

	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		HandshakeTimeout: 5 * time.Second,
		ReadBufferSize:   cfg.bufferSize,
		WriteBufferSize:  cfg.bufferSize,
	}
	url := fmt.Sprintf("ws://ipcbench%s?rank=%d&size=%d", joinPath, rank, size)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = cfg.maxDialElapsed

	var conn *websocket.Conn
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		c, resp, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("join refused: %s", resp.Status))
			}
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: hub %s after %d attempts: %w", ipcbench.ErrResourceInit, socketPath, attempt, err)
	}
	cfg.logger.DebugContext(ctx, "joined process group", logger.Rank(rank), logger.Count("attempts", attempt))
	return &hubMember{rank: rank, size: size, conn: conn}, nil
}

func (m *hubMember) Rank() int {
	return m.rank
}

func (m *hubMember) Size() int {
	return m.size
}

func (m *hubMember) Barrier(ctx context.Context) error {
	if err := writeFrame(ctx, m.conn, opBarrier, nil); err != nil {
		return err
	}
	_, err := readFrame(ctx, m.conn, opRelease)
	return err
}

func (m *hubMember) Bcast(ctx context.Context, root int, _ []byte) ([]byte, error) {
	if root != Root {
		return nil, ErrRoot
	}
	return readFrame(ctx, m.conn, opBcast)
}

func (m *hubMember) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	if root != Root {
		return nil, ErrRoot
	}
	return nil, writeFrame(ctx, m.conn, opGather, data)
}

func (m *hubMember) Close() error {
	m.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return m.conn.Close()
}
