package threat

import (
	"math"
	"time"
)

// botIntervalMillis is the mean inter-arrival time below which very regular
// traffic is treated as automated.
const botIntervalMillis = 100

const botMinSamples = 10

// intervals returns the gaps between consecutive samples in whole
// milliseconds, truncated.
func intervals(samples []time.Time) []float64 {
	if len(samples) < 2 {
		return nil
	}
	out := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		out = append(out, float64(samples[i].Sub(samples[i-1]).Milliseconds()))
	}
	return out
}

func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// anomalyScore grows with the windowed rate and with timing regularity:
// (rate / mean) * 1/(1+stddev). Fewer than two samples, or a zero mean
// interval, score 0.
func anomalyScore(samples []time.Time, rate uint64) float64 {
	gaps := intervals(samples)
	if len(gaps) == 0 {
		return 0
	}
	mean, stddev := meanStddev(gaps)
	if mean <= 0 {
		return 0
	}
	return (float64(rate) / mean) * (1 / (1 + stddev))
}

// botLike reports very regular traffic faster than one request per
// botIntervalMillis.
func botLike(samples []time.Time) bool {
	if len(samples) < botMinSamples {
		return false
	}
	mean, stddev := meanStddev(intervals(samples))
	return stddev < mean*0.1 && mean < botIntervalMillis
}

// countSince counts samples at or after start. samples is ordered.
func countSince(samples []time.Time, start time.Time) uint64 {
	var n uint64
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].Before(start) {
			break
		}
		n++
	}
	return n
}

// prune drops samples older than cutoff and keeps at most max of the newest.
func prune(samples []time.Time, cutoff time.Time, max int) []time.Time {
	i := 0
	for i < len(samples) && samples[i].Before(cutoff) {
		i++
	}
	if len(samples)-i > max {
		i = len(samples) - max
	}
	if i == 0 {
		return samples
	}
	return append(samples[:0], samples[i:]...)
}
