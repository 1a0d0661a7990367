package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/reusee/ipcbench"
	"github.com/reusee/ipcbench/collective"
	"github.com/reusee/ipcbench/group"
	"github.com/reusee/ipcbench/internal/config"
	"github.com/reusee/ipcbench/internal/logger"
	"github.com/reusee/ipcbench/mmstore"
	"github.com/reusee/ipcbench/queue"
	"github.com/reusee/ipcbench/scenario"
	"github.com/reusee/ipcbench/shmem"
	"golang.org/x/sync/errgroup"
)

// runRank runs this process as one rank of a group joined over the hub.
func runRank(ctx context.Context, cfg config.Config) error {
	rank := max(cfg.Rank, group.Root)
	log, err := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat, rank)
	if err != nil {
		return err
	}
	comm, err := join(ctx, cfg, rank, log)
	if err != nil {
		return err
	}
	defer comm.Close()
	return benchmark(ctx, cfg, comm, log)
}

func join(ctx context.Context, cfg config.Config, rank int, log *slog.Logger) (group.Comm, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
	defer cancel()
	if rank == group.Root {
		log.InfoContext(ctx, "waiting for readers", logger.Path(cfg.HubSocket), logger.Count("size", cfg.Size))
		return group.Listen(ctx, cfg.HubSocket, cfg.Size, group.WithLogger(log))
	}
	return group.Dial(ctx, cfg.HubSocket, rank, cfg.Size,
		group.WithLogger(log),
		group.WithDialTimeout(cfg.JoinTimeout),
	)
}

// runLocal runs every rank as a goroutine over an in-process group.
func runLocal(ctx context.Context, cfg config.Config) error {
	comms := group.NewLocal(cfg.Size)
	defer comms[group.Root].Close()

	g, ctx := errgroup.WithContext(ctx)
	for _, comm := range comms {
		g.Go(func() error {
			log, err := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat, comm.Rank())
			if err != nil {
				return err
			}
			if err := benchmark(ctx, cfg, comm, log); err != nil {
				return fmt.Errorf("rank %d: %w", comm.Rank(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// runSpawn makes this process rank 0 and starts ranks 1..size-1 as copies of
// this binary, configured through the environment. args is this process's
// command line; the children get it without the mode flags.
func runSpawn(ctx context.Context, cfg config.Config, args []string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	args = slices.DeleteFunc(slices.Clone(args), func(arg string) bool {
		return arg == "--spawn" || arg == "--local"
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for rank := 1; rank < cfg.Size; rank++ {
		cmd := exec.CommandContext(gctx, self, args...)
		cmd.Env = append(os.Environ(),
			"IPCBENCH_RANK="+strconv.Itoa(rank),
			"IPCBENCH_SIZE="+strconv.Itoa(cfg.Size),
			"IPCBENCH_HUB_SOCKET="+cfg.HubSocket,
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			cancel()
			return errors.Join(fmt.Errorf("start rank %d: %w", rank, err), g.Wait())
		}
		g.Go(func() error {
			if err := cmd.Wait(); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}

	cfg.Rank = group.Root
	err = runRank(gctx, cfg)
	if err != nil {
		cancel()
	}
	return errors.Join(err, g.Wait())
}

// benchmark runs the configured backends on one rank and, on rank 0, writes
// the result log and the summary.
func benchmark(ctx context.Context, cfg config.Config, comm group.Comm, log *slog.Logger) error {
	kinds, err := scenario.ParseKinds(cfg.Scenarios)
	if err != nil {
		return err
	}

	var runID []byte
	if comm.Rank() == group.Root {
		runID = []byte(uuid.NewString())
	}
	runID, err = comm.Bcast(ctx, group.Root, runID)
	if err != nil {
		return err
	}

	backends, err := newBackends(cfg, comm, log)
	if err != nil {
		return err
	}
	driver, err := scenario.New(comm, scenario.Config{
		Iterations: cfg.Iterations,
		DataSize:   cfg.DataSize,
		Scenarios:  kinds,
		RunID:      string(runID),
		Tag:        cfg.Tag,
		Verify:     cfg.Verify,
		Codec:      ipcbench.DefaultCodec,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	if comm.Rank() == group.Root {
		names := make([]string, 0, len(backends))
		for _, b := range backends {
			names = append(names, b.Name())
		}
		log.InfoContext(ctx, "benchmark configured",
			slog.String("run_id", string(runID)),
			logger.Count("data_size", cfg.DataSize),
			logger.Count("iterations", cfg.Iterations),
			logger.Count("ranks", comm.Size()),
			slog.Any("scenarios", kinds),
			slog.Any("backends", names),
		)
	}

	results, runErr := driver.Run(ctx, backends)
	if runErr != nil {
		// the group is broken, nothing left to gather
		return runErr
	}
	all, err := driver.Collect(ctx, results)
	if err != nil {
		return err
	}
	if comm.Rank() != group.Root {
		return nil
	}
	return report(cfg, all, log)
}

func newBackends(cfg config.Config, comm group.Comm, log *slog.Logger) ([]ipcbench.Backend, error) {
	names, err := cfg.BackendNames()
	if err != nil {
		return nil, err
	}
	var backends []ipcbench.Backend
	for _, name := range names {
		switch name {
		case config.BackendStore:
			opts := []mmstore.Option{
				mmstore.WithMapSize(cfg.MMSize),
				mmstore.WithSync(cfg.MMSync),
				mmstore.WithLogger(log),
			}
			if cfg.MMDir != "" {
				opts = append(opts, mmstore.WithDir(cfg.MMDir))
			}
			backends = append(backends, mmstore.New(opts...))
		case config.BackendShm:
			opts := []shmem.Option{
				shmem.WithSize(cfg.ShmSize),
				shmem.WithLogger(log),
			}
			if cfg.ShmDir != "" {
				opts = append(opts, shmem.WithDir(cfg.ShmDir))
			}
			backends = append(backends, shmem.New(opts...))
		case config.BackendQueue:
			backends = append(backends, queue.New(
				queue.WithURL(cfg.RedisURL),
				queue.WithTimeout(cfg.QueueTimeout),
				queue.WithLogger(log),
			))
		case config.BackendBroadcast:
			backends = append(backends, collective.New(comm, collective.WithLogger(log)))
		}
	}
	return backends, nil
}

func report(cfg config.Config, results []scenario.Result, log *slog.Logger) error {
	f, err := os.Create(cfg.Output)
	if err != nil {
		return err
	}
	if err := scenario.WriteLog(f, results); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Info("results saved", logger.Path(cfg.Output), logger.Count("records", len(results)))

	fmt.Println()
	return scenario.WriteSummary(os.Stdout, results)
}
