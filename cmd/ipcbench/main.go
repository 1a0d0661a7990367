package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/reusee/ipcbench/internal/config"
	"github.com/timtadh/getopt"
)

var ErrorCodes = map[string]int{
	"usage":  0,
	"opts":   3,
	"badint": 5,
	"config": 6,
	"run":    7,
}

var UsageMessage = "ipcbench --help"
var ExtendedMessage = `
ipcbench -- compare inter-process data sharing backends

One writer (rank 0) publishes a generated record set; every other rank
reads it. Each backend runs the shared scenario (write once, read many)
and the streaming scenario (one message per read).

Modes
  --local                   run every rank as a goroutine in this process
  --spawn                   be rank 0 and start the other ranks as child
                            processes joined over the hub socket
  (neither)                 be the rank given by --rank or IPCBENCH_RANK;
                            rank 0 listens on the hub, others dial it

Options
  -h, --help                view this message
  -b, --backend=<list>      mmstore,shm,queue,broadcast or all (default all)
                            aliases: lmdb, zmq, mpi
  -s, --scenario=<name>     shared, streaming or both (default both)
  -d, --data-size=<int>     entries in the record set (default 10000)
  -i, --iterations=<int>    reads per reader (default 100)
  -n, --size=<int>          number of ranks, writer included (default 4)
  --rank=<int>              this process's rank
  --hub=<path>              hub unix socket
  --redis=<url>             redis url for the queue backend
  --tag=<name>              resource name prefix (default bench)
  --verify                  decode and check every payload read
  -o, --output=<path>       result log (default benchmark_results.json)
  --log-level=<level>       debug, info, warn, error
  --log-format=<fmt>        text or json

Every option also reads from IPCBENCH_* environment variables and .env.
`

func Usage(code int) {
	fmt.Fprintln(os.Stderr, UsageMessage)
	if code == 0 {
		fmt.Fprintln(os.Stdout, ExtendedMessage)
		code = ErrorCodes["usage"]
	} else {
		fmt.Fprintln(os.Stderr, "Try -h or --help for help")
	}
	os.Exit(code)
}

func ParseInt(str string) int {
	i, err := strconv.Atoi(str)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing '%v' expected an int\n", str)
		Usage(ErrorCodes["badint"])
	}
	return i
}

type mode int

const (
	modeRank mode = iota
	modeLocal
	modeSpawn
)

// parseArgs loads the environment configuration and applies the command
// line over it.
func parseArgs(args []string) (config.Config, mode) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		Usage(ErrorCodes["config"])
	}

	_, optargs, err := getopt.GetOpt(
		args,
		"hb:s:d:i:n:o:",
		[]string{
			"help", "backend=", "scenario=", "data-size=", "iterations=",
			"size=", "rank=", "hub=", "redis=", "tag=", "verify",
			"output=", "log-level=", "log-format=", "local", "spawn",
		},
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		Usage(ErrorCodes["opts"])
	}

	m := modeRank
	for _, oa := range optargs {
		switch oa.Opt() {
		case "-h", "--help":
			Usage(0)
		case "-b", "--backend":
			cfg.Backends = strings.Split(oa.Arg(), ",")
		case "-s", "--scenario":
			cfg.Scenarios = oa.Arg()
		case "-d", "--data-size":
			cfg.DataSize = ParseInt(oa.Arg())
		case "-i", "--iterations":
			cfg.Iterations = ParseInt(oa.Arg())
		case "-n", "--size":
			cfg.Size = ParseInt(oa.Arg())
		case "--rank":
			cfg.Rank = ParseInt(oa.Arg())
		case "--hub":
			cfg.HubSocket = oa.Arg()
		case "--redis":
			cfg.RedisURL = oa.Arg()
		case "--tag":
			cfg.Tag = oa.Arg()
		case "--verify":
			cfg.Verify = true
		case "-o", "--output":
			cfg.Output = oa.Arg()
		case "--log-level":
			cfg.LogLevel = oa.Arg()
		case "--log-format":
			cfg.LogFormat = oa.Arg()
		case "--local":
			m = modeLocal
		case "--spawn":
			m = modeSpawn
		default:
			fmt.Fprintf(os.Stderr, "Unknown flag '%v'\n", oa.Opt())
			Usage(ErrorCodes["opts"])
		}
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		Usage(ErrorCodes["config"])
	}
	return cfg, m
}

func main() {
	cfg, m := parseArgs(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch m {
	case modeLocal:
		err = runLocal(ctx, cfg)
	case modeSpawn:
		err = runSpawn(ctx, cfg, os.Args[1:])
	default:
		err = runRank(ctx, cfg)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(ErrorCodes["run"])
	}
}
