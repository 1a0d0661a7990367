package scenario

import (
	"fmt"
	"strings"

	"github.com/reusee/ipcbench"
)

// Kind names an access pattern.
type Kind string

const (
	// Shared: one value published once and read many times.
	Shared Kind = "shared"
	// Streaming: many discrete messages, each consumed once or broadcast once.
	Streaming Kind = "streaming"
)

// ParseKinds accepts "shared", "streaming", "both" or a comma separated list.
func ParseKinds(s string) ([]Kind, error) {
	var kinds []Kind
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "", "both", "all":
			kinds = append(kinds, Shared, Streaming)
		case string(Shared):
			kinds = append(kinds, Shared)
		case string(Streaming):
			kinds = append(kinds, Streaming)
		default:
			return nil, fmt.Errorf("unknown scenario %q", part)
		}
	}
	return dedup(kinds), nil
}

func dedup(kinds []Kind) []Kind {
	seen := make(map[Kind]bool)
	out := kinds[:0]
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// Phase is the position of every rank within one scenario. All ranks move
// through the phases together; each transition is a group-wide gate.
type Phase int

const (
	Uninitialized Phase = iota
	Initialized
	Published
	Consuming
	Settled
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Published:
		return "published"
	case Consuming:
		return "consuming"
	case Settled:
		return "settled"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Plan is the number of writer transport operations issued before and after
// the publish gate.
type Plan struct {
	Before int
	After  int
}

func (p Plan) Total() int {
	return p.Before + p.After
}

// PlanFor computes the writer's operation count that reproduces a backend's
// native access pattern for kind, given that every one of readers issues
// exactly iterations reads.
//
// Shared storage is written once. A round-robin queue needs one message per
// read. A broadcast needs one collective call per read, all issued after the
// gate because readers only join collectives after it.
func PlanFor(kind Kind, fanOut ipcbench.FanOut, streaming bool, iterations, readers int) Plan {
	perReader := max(iterations*readers, 0)
	switch kind {
	case Shared:
		switch fanOut {
		case ipcbench.FanOutRoundRobin:
			if perReader == 0 {
				return Plan{Before: 1}
			}
			return Plan{Before: 1, After: perReader - 1}
		case ipcbench.FanOutBroadcast:
			return Plan{After: max(iterations, 0)}
		default:
			return Plan{Before: 1}
		}
	case Streaming:
		if !streaming {
			return Plan{After: max(iterations, 0)}
		}
		if fanOut == ipcbench.FanOutRoundRobin {
			return Plan{After: perReader}
		}
		return Plan{After: max(iterations, 0)}
	}
	return Plan{}
}
