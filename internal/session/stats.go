package session

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum FPS standard deviation as a fraction of mean FPS
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of the expected interval
	jitterStabilityThreshold = 0.20
)

// FrameRateStats describes the acquisition rate seen by a capture session
type FrameRateStats struct {
	Frames       int
	Duration     time.Duration
	FPSMean      float64
	FPSStdDev    float64
	FPSMin       float64
	FPSMax       float64
	JitterMean   float64 // seconds
	JitterStdDev float64 // seconds
	JitterMax    float64 // seconds
	// IsStable is true if stddev < 15% of mean FPS and jitter < 20% of the interval
	IsStable bool
}

// FrameRate computes rate statistics from the filled slots' timestamps
func (b *Buffer) FrameRate() FrameRateStats {
	frames := b.Frames()
	times := make([]time.Time, len(frames))
	for i, f := range frames {
		times[i] = f.Timestamp
	}
	var span time.Duration
	if len(times) > 1 {
		span = times[len(times)-1].Sub(times[0])
	}
	return CalculateFrameRate(times, span)
}

// CalculateFrameRate computes FPS and jitter statistics from frame timestamps
//
// The mean uses the N-1 intervals inside span (first to last frame).
// Fewer than two frames or a zero span yield zero-valued, unstable stats.
func CalculateFrameRate(frameTimes []time.Time, span time.Duration) FrameRateStats {
	n := len(frameTimes)
	stats := FrameRateStats{Frames: n, Duration: span}
	if n < 2 || span <= 0 {
		return stats
	}

	fpsMean := float64(n-1) / span.Seconds()
	stats.FPSMean = fpsMean

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if dt := frameTimes[i].Sub(frameTimes[i-1]).Seconds(); dt > 0 {
			intervals = append(intervals, dt)
		}
	}
	if len(intervals) == 0 {
		return stats
	}

	stats.FPSMin = math.Inf(1)
	var sumSquares float64
	for _, dt := range intervals {
		fps := 1.0 / dt
		stats.FPSMin = math.Min(stats.FPSMin, fps)
		stats.FPSMax = math.Max(stats.FPSMax, fps)
		sumSquares += (fps - fpsMean) * (fps - fpsMean)
	}
	stats.FPSStdDev = math.Sqrt(sumSquares / float64(len(intervals)))

	expected := 1.0 / fpsMean
	var jitterSum float64
	jitters := make([]float64, len(intervals))
	for i, dt := range intervals {
		jitters[i] = math.Abs(dt - expected)
		jitterSum += jitters[i]
		stats.JitterMax = math.Max(stats.JitterMax, jitters[i])
	}
	stats.JitterMean = jitterSum / float64(len(jitters))

	var jitterSquares float64
	for _, j := range jitters {
		jitterSquares += (j - stats.JitterMean) * (j - stats.JitterMean)
	}
	stats.JitterStdDev = math.Sqrt(jitterSquares / float64(len(jitters)))

	stats.IsStable = stats.FPSStdDev < fpsMean*fpsStabilityThreshold &&
		stats.JitterMean < expected*jitterStabilityThreshold
	return stats
}
