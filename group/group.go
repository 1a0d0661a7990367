// Package group provides the process group the benchmark runs in: a fixed
// set of ranks, rank 0 being the writer, with a barrier and root-0
// collectives.
//
// Every rank must call the collective operations the same number of times in
// the same order. There is no cancellation: a rank that exits while others
// wait on a barrier or broadcast makes them fail with
// ipcbench.ErrBarrierViolation on the hub transport, and block until their
// context ends on the local transport.
package group

import (
	"context"
	"errors"
)

const Root = 0

var (
	ErrRoot   = errors.New("group: only rank 0 can be root")
	ErrClosed = errors.New("group: communicator closed")
)

type Comm interface {
	Rank() int
	Size() int
	// Barrier blocks until every rank has called it.
	Barrier(ctx context.Context) error
	// Bcast delivers data from root to every rank. Non-root ranks pass nil
	// and get the root's data back; the root gets its own data back.
	// Returned slices must be treated as read-only.
	Bcast(ctx context.Context, root int, data []byte) ([]byte, error)
	// Gather collects one payload per rank on the root, indexed by rank.
	// Non-root ranks get nil.
	Gather(ctx context.Context, root int, data []byte) ([][]byte, error)
	Close() error
}
