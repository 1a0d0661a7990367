package scenario

import (
	"encoding/json"
	"time"

	"github.com/reusee/ipcbench"
)

// Result is what one rank measured for one backend and scenario.
type Result struct {
	RunID    string        `msgpack:"run_id"`
	Backend  string        `msgpack:"backend"`
	DataSize int           `msgpack:"data_size"`
	Rank     int           `msgpack:"rank"`
	Role     ipcbench.Role `msgpack:"role"`
	Scenario Kind          `msgpack:"scenario"`

	// transport time only, encoding excluded
	WriteTime       time.Duration `msgpack:"write_time"`
	ReadTime        time.Duration `msgpack:"read_time"`
	SerializeTime   time.Duration `msgpack:"serialize_time"`
	DeserializeTime time.Duration `msgpack:"deserialize_time"`

	WriteCount  int `msgpack:"write_count"`
	ReadCount   int `msgpack:"read_count"`
	FailedReads int `msgpack:"failed_reads"`
	Mismatches  int `msgpack:"mismatches"`

	Err string `msgpack:"error"`
}

func (r Result) AvgReadTime() time.Duration {
	if r.ReadCount == 0 {
		return 0
	}
	return r.ReadTime / time.Duration(r.ReadCount)
}

// Throughput is successful reads per second of read time.
func (r Result) Throughput() float64 {
	if r.ReadTime <= 0 {
		return 0
	}
	return float64(r.ReadCount) / r.ReadTime.Seconds()
}

type jsonResult struct {
	RunID           string  `json:"run_id"`
	Backend         string  `json:"backend"`
	DataSize        int     `json:"data_size"`
	Rank            int     `json:"rank"`
	Role            string  `json:"role"`
	Scenario        Kind    `json:"scenario"`
	WriteTime       float64 `json:"write_time"`
	ReadTime        float64 `json:"read_time"`
	WriteCount      int     `json:"write_count"`
	ReadCount       int     `json:"read_count"`
	AvgReadTime     float64 `json:"avg_read_time"`
	Throughput      float64 `json:"throughput"`
	SerializeTime   float64 `json:"serialize_time"`
	DeserializeTime float64 `json:"deserialize_time"`
	FailedReads     int     `json:"failed_reads"`
	Mismatches      int     `json:"mismatches"`
	Error           string  `json:"error,omitempty"`
}

// MarshalJSON writes durations as float seconds, the result log format.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonResult{
		RunID:           r.RunID,
		Backend:         r.Backend,
		DataSize:        r.DataSize,
		Rank:            r.Rank,
		Role:            r.Role.String(),
		Scenario:        r.Scenario,
		WriteTime:       r.WriteTime.Seconds(),
		ReadTime:        r.ReadTime.Seconds(),
		WriteCount:      r.WriteCount,
		ReadCount:       r.ReadCount,
		AvgReadTime:     r.AvgReadTime().Seconds(),
		Throughput:      r.Throughput(),
		SerializeTime:   r.SerializeTime.Seconds(),
		DeserializeTime: r.DeserializeTime.Seconds(),
		FailedReads:     r.FailedReads,
		Mismatches:      r.Mismatches,
		Error:           r.Err,
	})
}
