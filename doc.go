// Package ipcbench holds the pieces every transport shares: the record set
// being moved, its codec, the Backend interface and the error kinds.
//
// Backends fall into two families. Shared-storage backends (shmem, mmstore)
// keep one published value that readers observe as often as they like.
// Message-passing backends (queue, collective) deliver discrete messages,
// either each to one reader or each to all readers; see FanOut.
//
// Consistency differs between them. The raw shared-memory backend publishes
// by writing its header last, with no fence or lock, so a read overlapping a
// write may return a torn payload. It is eventually consistent at best and
// not linearizable; the scenario driver only relies on the barrier schedule
// to order its writes before reads. The mapped store reads through an
// optimistic snapshot and never returns a torn value.
//
// Liveness: nothing cancels a peer. A rank that exits mid-scenario leaves the
// others waiting in a barrier or collective call until the process group
// notices the closed connection, or forever on the in-process group.
package ipcbench
