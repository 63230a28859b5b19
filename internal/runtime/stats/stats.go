// Package stats summarises latency logs.
package stats

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/drblury/latencyprobe/internal/runtime/recorder"
)

// Summary describes a set of latencies.
type Summary struct {
	Count    int           `json:"count"`
	Negative int           `json:"negative"`
	Min      time.Duration `json:"min"`
	Mean     time.Duration `json:"mean"`
	StdDev   time.Duration `json:"stddev"`
	P50      time.Duration `json:"p50"`
	P90      time.Duration `json:"p90"`
	P99      time.Duration `json:"p99"`
	Max      time.Duration `json:"max"`
}

// Summarize computes a Summary. An empty input yields the zero Summary.
func Summarize(records []recorder.Record) Summary {
	if len(records) == 0 {
		return Summary{}
	}
	xs := make([]float64, len(records))
	negative := 0
	for i, r := range records {
		us := r.ReceiveMicros - r.PublishMicros
		if us < 0 {
			negative++
		}
		xs[i] = float64(us)
	}
	sort.Float64s(xs)

	mean, std := stat.MeanStdDev(xs, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return Summary{
		Count:    len(xs),
		Negative: negative,
		Min:      micros(xs[0]),
		Mean:     micros(mean),
		StdDev:   micros(std),
		P50:      micros(stat.Quantile(0.50, stat.Empirical, xs, nil)),
		P90:      micros(stat.Quantile(0.90, stat.Empirical, xs, nil)),
		P99:      micros(stat.Quantile(0.99, stat.Empirical, xs, nil)),
		Max:      micros(xs[len(xs)-1]),
	}
}

// Load reads the log at path and summarises it.
func Load(path string) (Summary, error) {
	records, err := recorder.Read(path)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(records), nil
}

func micros(us float64) time.Duration {
	return time.Duration(math.Round(us * float64(time.Microsecond)))
}

func (s Summary) String() string {
	return fmt.Sprintf("n=%d min=%s mean=%s stddev=%s p50=%s p90=%s p99=%s max=%s",
		s.Count, s.Min, s.Mean, s.StdDev, s.P50, s.P90, s.P99, s.Max)
}
