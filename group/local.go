package group

import (
	"context"
	"fmt"
	"sync"

	"github.com/reusee/ipcbench"
)

type gathered struct {
	rank int
	data []byte
}

type localGroup struct {
	size int

	mu      sync.Mutex
	arrived int
	release chan struct{}

	bcast  []chan []byte
	gather chan gathered

	closeOnce sync.Once
	done      chan struct{}
}

type localComm struct {
	g    *localGroup
	rank int
}

// NewLocal returns size communicators sharing one in-process group, one per
// goroutine standing in for a process.
func NewLocal(size int) []Comm {
	g := &localGroup{
		size:    size,
		release: make(chan struct{}),
		bcast:   make([]chan []byte, size),
		gather:  make(chan gathered, size),
		done:    make(chan struct{}),
	}
	comms := make([]Comm, size)
	for i := range comms {
		g.bcast[i] = make(chan []byte, 16)
		comms[i] = &localComm{g: g, rank: i}
	}
	return comms
}

func (c *localComm) Rank() int {
	return c.rank
}

func (c *localComm) Size() int {
	return c.g.size
}

func (c *localComm) Barrier(ctx context.Context) error {
	g := c.g
	g.mu.Lock()
	release := g.release
	g.arrived++
	if g.arrived == g.size {
		g.arrived = 0
		g.release = make(chan struct{})
		close(release)
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-g.done:
		return fmt.Errorf("%w: %w", ipcbench.ErrBarrierViolation, ErrClosed)
	case <-ctx.Done():
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.release != release {
			// the last rank arrived before we could withdraw
			return nil
		}
		g.arrived--
		return ctx.Err()
	}
}

func (c *localComm) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if root != Root {
		return nil, ErrRoot
	}
	g := c.g
	if c.rank == root {
		for r := 0; r < g.size; r++ {
			if r == root {
				continue
			}
			select {
			case g.bcast[r] <- data:
			case <-g.done:
				return nil, fmt.Errorf("%w: %w", ipcbench.ErrBarrierViolation, ErrClosed)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return data, nil
	}
	select {
	case data := <-g.bcast[c.rank]:
		return data, nil
	case <-g.done:
		return nil, fmt.Errorf("%w: %w", ipcbench.ErrBarrierViolation, ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *localComm) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	if root != Root {
		return nil, ErrRoot
	}
	g := c.g
	if c.rank != root {
		select {
		case g.gather <- gathered{rank: c.rank, data: data}:
			return nil, nil
		case <-g.done:
			return nil, fmt.Errorf("%w: %w", ipcbench.ErrBarrierViolation, ErrClosed)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([][]byte, g.size)
	out[root] = data
	for i := 1; i < g.size; i++ {
		select {
		case m := <-g.gather:
			out[m.rank] = m.data
		case <-g.done:
			return nil, fmt.Errorf("%w: %w", ipcbench.ErrBarrierViolation, ErrClosed)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// Close ends the whole group: ranks still waiting fail with
// ipcbench.ErrBarrierViolation, as if a peer process had exited.
func (c *localComm) Close() error {
	c.g.closeOnce.Do(func() {
		close(c.g.done)
	})
	return nil
}
