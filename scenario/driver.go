// Package scenario drives backends through the shared and streaming access
// patterns in lock step across a process group and records what each rank
// measured.
//
// Rank 0 is the writer, every other rank a reader. Each scenario moves all
// ranks through Initialized, Published, Consuming and Settled. The
// Initialized and Published gates are agreements: every rank reports its
// local outcome and, if any rank failed, all ranks skip the rest of the
// scenario together instead of waiting on a peer that will never arrive.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reusee/ipcbench"
	"github.com/reusee/ipcbench/group"
	"github.com/reusee/ipcbench/internal/logger"
)

// ErrAborted is returned on ranks that gave up because a peer failed.
var ErrAborted = errors.New("scenario: aborted by peer")

const DefaultTag = "bench"

type Config struct {
	Iterations int
	// DataSize is the number of entries in the generated record set.
	DataSize  int
	Scenarios []Kind
	RunID     string
	// Tag prefixes resource names.
	Tag string
	// Verify compares every decoded payload with the expected set instead
	// of only the last one.
	Verify bool
	Codec  ipcbench.Codec
	Logger *slog.Logger
}

type Driver struct {
	comm   group.Comm
	cfg    Config
	logger *slog.Logger
	role   ipcbench.Role
	phase  Phase

	// expected record set, built lazily
	set    ipcbench.RecordSet
	hasSet bool
}

func New(comm group.Comm, cfg Config) (*Driver, error) {
	if comm.Size() < 2 {
		return nil, fmt.Errorf("scenario: need one writer and at least one reader, group size is %d", comm.Size())
	}
	if cfg.Iterations < 0 || cfg.DataSize < 0 {
		return nil, fmt.Errorf("scenario: negative iterations or data size")
	}
	if len(cfg.Scenarios) == 0 {
		cfg.Scenarios = []Kind{Shared, Streaming}
	}
	if cfg.Tag == "" {
		cfg.Tag = DefaultTag
	}
	if cfg.Codec == nil {
		cfg.Codec = ipcbench.DefaultCodec
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	role := ipcbench.Reader
	if comm.Rank() == group.Root {
		role = ipcbench.Writer
	}
	return &Driver{
		comm:   comm,
		cfg:    cfg,
		logger: cfg.Logger,
		role:   role,
	}, nil
}

func (d *Driver) Role() ipcbench.Role {
	return d.role
}

func (d *Driver) readers() int {
	return d.comm.Size() - 1
}

func (d *Driver) records() ipcbench.RecordSet {
	if !d.hasSet {
		d.set = ipcbench.Generate(d.cfg.DataSize)
		d.hasSet = true
	}
	return d.set
}

func (d *Driver) enter(ctx context.Context, p Phase) {
	d.logger.DebugContext(ctx, "phase",
		logger.Phase(p.String()),
		slog.String("from", d.phase.String()),
	)
	d.phase = p
}

// fatal reports whether err ends the whole run rather than one backend.
func fatal(ctx context.Context, err error) bool {
	return errors.Is(err, ipcbench.ErrBarrierViolation) || ctx.Err() != nil
}

// agree is a barrier that also exchanges each rank's outcome. It returns the
// local error if there is one, an ErrAborted if any other rank failed, and
// nil when every rank succeeded.
func (d *Driver) agree(ctx context.Context, gate Phase, local error) error {
	var report []byte
	if local != nil {
		report = []byte(local.Error())
		if len(report) == 0 {
			report = []byte("failed")
		}
	}
	reports, err := d.comm.Gather(ctx, group.Root, report)
	if err != nil {
		return err
	}
	var verdict []byte
	if d.comm.Rank() == group.Root {
		for rank, r := range reports {
			if len(r) > 0 {
				verdict = fmt.Appendf(nil, "rank %d: %s", rank, r)
				break
			}
		}
	}
	verdict, err = d.comm.Bcast(ctx, group.Root, verdict)
	if err != nil {
		return err
	}
	if local != nil {
		return local
	}
	if len(verdict) > 0 {
		return fmt.Errorf("%w at %s gate: %s", ErrAborted, gate, verdict)
	}
	return nil
}

func (d *Driver) newResult(b ipcbench.Backend, kind Kind) Result {
	return Result{
		RunID:    d.cfg.RunID,
		Backend:  b.Name(),
		DataSize: d.cfg.DataSize,
		Rank:     d.comm.Rank(),
		Role:     d.role,
		Scenario: kind,
	}
}

// Run benchmarks each backend in turn. A failed backend is recorded and the
// run continues; only a broken process group or a cancelled ctx stops it.
func (d *Driver) Run(ctx context.Context, backends []ipcbench.Backend) ([]Result, error) {
	var results []Result
	for _, b := range backends {
		start := time.Now()
		res, err := d.RunBackend(ctx, b)
		results = append(results, res...)
		if err != nil {
			if fatal(ctx, err) {
				return results, err
			}
			d.logger.WarnContext(ctx, "backend failed",
				logger.Backend(b.Name()),
				logger.Error(err),
			)
			continue
		}
		d.logger.InfoContext(ctx, "backend done",
			logger.Backend(b.Name()),
			logger.Elapsed(start),
		)
	}
	return results, nil
}

// RunBackend initializes b (writer first, then readers), runs every
// configured scenario on it and cleans up. The returned results hold one
// entry per scenario, with Err set for scenarios that did not complete.
func (d *Driver) RunBackend(ctx context.Context, b ipcbench.Backend) (results []Result, err error) {
	d.phase = Uninitialized
	name := ipcbench.ResourceName(d.cfg.Tag, d.cfg.DataSize)
	log := d.logger.With(logger.Backend(b.Name()))

	failAll := func(err error) []Result {
		out := make([]Result, 0, len(d.cfg.Scenarios))
		for _, kind := range d.cfg.Scenarios {
			r := d.newResult(b, kind)
			r.Err = err.Error()
			out = append(out, r)
		}
		return out
	}

	// writer creates the resource before any reader attaches
	var initErr error
	if d.role == ipcbench.Writer {
		initErr = b.Initialize(ctx, name, d.role)
	}
	if err := d.agree(ctx, Initialized, initErr); err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		if cerr := b.Cleanup(); cerr != nil {
			log.WarnContext(ctx, "cleanup failed", logger.Error(cerr))
		}
		return failAll(err), err
	}
	if d.role == ipcbench.Reader {
		initErr = b.Initialize(ctx, name, d.role)
	}
	if err := d.agree(ctx, Initialized, initErr); err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		// every rank finished initializing, so the writer may remove the
		// resource now
		if cerr := b.Cleanup(); cerr != nil {
			log.WarnContext(ctx, "cleanup failed", logger.Error(cerr))
		}
		return failAll(err), err
	}
	d.enter(ctx, Initialized)
	log.InfoContext(ctx, "initialized", slog.String("resource", name))

	defer func() {
		// closing barrier: nobody detaches while a peer still reads
		if err == nil || !fatal(ctx, err) {
			if berr := d.comm.Barrier(ctx); berr != nil {
				err = errors.Join(err, berr)
			}
		}
		if cerr := b.Cleanup(); cerr != nil {
			log.WarnContext(ctx, "cleanup failed", logger.Error(cerr))
		}
	}()

	var firstErr error
	for _, kind := range d.cfg.Scenarios {
		res, err := d.runScenario(ctx, b, kind)
		if err != nil {
			res.Err = err.Error()
			if fatal(ctx, err) {
				return append(results, res), err
			}
			if firstErr == nil {
				firstErr = err
			}
			log.WarnContext(ctx, "scenario failed", logger.Scenario(string(kind)), logger.Error(err))
		}
		results = append(results, res)
	}
	return results, firstErr
}

func (d *Driver) runScenario(ctx context.Context, b ipcbench.Backend, kind Kind) (Result, error) {
	d.phase = Initialized
	res := d.newResult(b, kind)
	plan := PlanFor(kind, b.FanOut(), b.SupportsStreaming(), d.cfg.Iterations, d.readers())
	log := d.logger.With(logger.Backend(b.Name()), logger.Scenario(string(kind)))

	if kind == Streaming {
		if d.role == ipcbench.Writer {
			b.PrepareStream(plan.Total())
		} else {
			b.PrepareStream(d.cfg.Iterations)
		}
	}

	var (
		payload  []byte
		localErr error
	)
	if d.role == ipcbench.Writer {
		payload, localErr = d.publish(ctx, b, plan, &res)
		if localErr == nil {
			log.InfoContext(ctx, "published",
				logger.Count("before", plan.Before),
				logger.Count("after", plan.After),
				slog.Int("payload_bytes", len(payload)),
			)
		}
	}
	if err := d.agree(ctx, Published, localErr); err != nil {
		if fatal(ctx, err) {
			return res, err
		}
		if berr := d.settle(ctx); berr != nil {
			return res, errors.Join(err, berr)
		}
		return res, err
	}
	d.enter(ctx, Published)

	d.enter(ctx, Consuming)
	var runErr error
	if d.role == ipcbench.Writer {
		runErr = d.writeLoop(ctx, b, payload, plan.After, &res)
	} else {
		runErr = d.readLoop(ctx, b, &res)
	}
	if runErr != nil && fatal(ctx, runErr) {
		return res, runErr
	}
	if err := d.settle(ctx); err != nil {
		return res, errors.Join(runErr, err)
	}

	if d.role == ipcbench.Writer {
		log.InfoContext(ctx, "writer done",
			slog.Duration("write_time", res.WriteTime),
			logger.Count("writes", res.WriteCount),
		)
	} else {
		log.InfoContext(ctx, "reader done",
			logger.Count("reads", res.ReadCount),
			logger.Count("failed", res.FailedReads),
			slog.Duration("avg_read_time", res.AvgReadTime()),
			slog.Float64("throughput", res.Throughput()),
		)
	}
	return res, runErr
}

func (d *Driver) settle(ctx context.Context) error {
	if err := d.comm.Barrier(ctx); err != nil {
		return err
	}
	d.enter(ctx, Settled)
	return nil
}

type stager interface {
	Stage([]byte) error
}

// publish serializes the record set and issues the writer's pre-gate
// operations. A broadcast backend with no pre-gate operation only stages the
// payload.
func (d *Driver) publish(ctx context.Context, b ipcbench.Backend, plan Plan, res *Result) ([]byte, error) {
	set := d.records()
	t0 := time.Now()
	payload, err := d.cfg.Codec.Encode(set)
	res.SerializeTime = time.Since(t0)
	if err != nil {
		return nil, err
	}
	if plan.Before == 0 {
		if s, ok := b.(stager); ok {
			if err := s.Stage(payload); err != nil {
				return nil, err
			}
		}
	}
	if err := d.writeLoop(ctx, b, payload, plan.Before, res); err != nil {
		return nil, err
	}
	return payload, nil
}

func (d *Driver) writeLoop(ctx context.Context, b ipcbench.Backend, payload []byte, n int, res *Result) error {
	for i := 0; i < n; i++ {
		t0 := time.Now()
		err := b.WriteBytes(ctx, payload)
		res.WriteTime += time.Since(t0)
		if err != nil {
			return fmt.Errorf("write %d of %d: %w", i+1, n, err)
		}
		res.WriteCount++
	}
	return nil
}

// readLoop issues exactly Iterations reads. Timeouts and absent values count
// as failed reads. A payload that does not decode is a failed read and stops
// the loop, as does any other error.
func (d *Driver) readLoop(ctx context.Context, b ipcbench.Backend, res *Result) error {
	expected := d.records()
	for i := 0; i < d.cfg.Iterations; i++ {
		t0 := time.Now()
		payload, err := b.ReadBytes(ctx)
		res.ReadTime += time.Since(t0)
		if err != nil {
			if ipcbench.Fatal(err) {
				return fmt.Errorf("read %d of %d: %w", i+1, d.cfg.Iterations, err)
			}
			res.FailedReads++
			continue
		}
		if payload == nil {
			res.FailedReads++
			continue
		}

		t0 = time.Now()
		set, err := d.cfg.Codec.Decode(payload)
		res.DeserializeTime = time.Since(t0)
		if err != nil {
			res.FailedReads++
			return fmt.Errorf("read %d of %d: %w", i+1, d.cfg.Iterations, err)
		}
		res.ReadCount++
		if (d.cfg.Verify || i == d.cfg.Iterations-1) && !set.Equal(expected) {
			res.Mismatches++
		}
	}
	return nil
}

// Collect gathers every rank's results on rank 0, ordered by rank. Other
// ranks get nil.
func (d *Driver) Collect(ctx context.Context, results []Result) ([]Result, error) {
	data, err := encodeResults(results)
	if err != nil {
		return nil, err
	}
	all, err := d.comm.Gather(ctx, group.Root, data)
	if err != nil || d.comm.Rank() != group.Root {
		return nil, err
	}
	var out []Result
	for rank, data := range all {
		rs, err := decodeResults(data)
		if err != nil {
			return nil, fmt.Errorf("results from rank %d: %w", rank, err)
		}
		out = append(out, rs...)
	}
	return out, nil
}
