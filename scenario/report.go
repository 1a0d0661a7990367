package scenario

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/vmihailenco/msgpack/v5"
)

func encodeResults(results []Result) ([]byte, error) {
	return msgpack.Marshal(results)
}

func decodeResults(data []byte) ([]Result, error) {
	var results []Result
	if err := msgpack.Unmarshal(data, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// WriteLog writes results as an indented JSON array, one record per rank,
// backend and scenario.
func WriteLog(w io.Writer, results []Result) error {
	if results == nil {
		results = []Result{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// Summary aggregates one backend in one scenario across ranks.
type Summary struct {
	Backend       string
	Scenario      Kind
	WriteTime     time.Duration
	AvgReadTime   time.Duration
	AvgThroughput float64
	TotalReads    int
	TotalFailed   int
	Mismatches    int
	Readers       int
	Errors        int
}

type summaryKey struct {
	scenario Kind
	backend  string
}

// Summarize groups results by scenario, then backend, in the order they
// first appear.
func Summarize(results []Result) []Summary {
	var (
		scenarios []Kind
		order     []summaryKey
		byKey     = make(map[summaryKey]*Summary)
	)
	for _, r := range results {
		k := summaryKey{r.Scenario, r.Backend}
		s, ok := byKey[k]
		if !ok {
			s = &Summary{Backend: r.Backend, Scenario: r.Scenario}
			byKey[k] = s
			order = append(order, k)
			if !slices.Contains(scenarios, r.Scenario) {
				scenarios = append(scenarios, r.Scenario)
			}
		}
		if r.Err != "" {
			s.Errors++
		}
		if r.Rank == 0 {
			s.WriteTime = r.WriteTime
			continue
		}
		s.Readers++
		s.AvgReadTime += r.AvgReadTime()
		s.AvgThroughput += r.Throughput()
		s.TotalReads += r.ReadCount
		s.TotalFailed += r.FailedReads
		s.Mismatches += r.Mismatches
	}

	slices.SortStableFunc(order, func(a, b summaryKey) int {
		return slices.Index(scenarios, a.scenario) - slices.Index(scenarios, b.scenario)
	})
	out := make([]Summary, 0, len(order))
	for _, k := range order {
		s := byKey[k]
		if s.Readers > 0 {
			s.AvgReadTime /= time.Duration(s.Readers)
			s.AvgThroughput /= float64(s.Readers)
		}
		out = append(out, *s)
	}
	return out
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%.2f", float64(d)/float64(time.Millisecond))
}

// WriteSummary prints one table per scenario.
func WriteSummary(w io.Writer, results []Result) error {
	summaries := Summarize(results)
	for start := 0; start < len(summaries); {
		kind := summaries[start].Scenario
		end := start
		for end < len(summaries) && summaries[end].Scenario == kind {
			end++
		}
		if start > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "scenario: %s\n", kind); err != nil {
			return err
		}
		table := tablewriter.NewWriter(w)
		table.SetAutoFormatHeaders(false)
		table.SetAlignment(tablewriter.ALIGN_RIGHT)
		table.SetHeader([]string{"backend", "write ms", "avg read ms", "reads", "failed", "mismatches", "msg/s", "errors"})
		for _, s := range summaries[start:end] {
			table.Append([]string{
				s.Backend,
				ms(s.WriteTime),
				ms(s.AvgReadTime),
				strconv.Itoa(s.TotalReads),
				strconv.Itoa(s.TotalFailed),
				strconv.Itoa(s.Mismatches),
				strconv.FormatFloat(s.AvgThroughput, 'f', 1, 64),
				strconv.Itoa(s.Errors),
			})
		}
		table.Render()
		start = end
	}
	return nil
}
