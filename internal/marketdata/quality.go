package marketdata

import (
	"math"
	"time"
)

// Outlier is a bar whose close-to-close return deviates from the trailing
// window by more than the z-score threshold.
type Outlier struct {
	Index  int       `json:"index"`
	Time   time.Time `json:"time"`
	Return float64   `json:"return"`
	ZScore float64   `json:"zScore"`
}

// DetectOutliers scores each return against the mean and standard deviation
// of the preceding window returns. Bars are assumed sorted.
func DetectOutliers(bars []Bar, window int, threshold float64) []Outlier {
	if window < 2 || len(bars) <= window {
		return nil
	}
	returns := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close.InexactFloat64()
		if prev == 0 {
			returns[i] = math.NaN()
			continue
		}
		returns[i] = bars[i].Close.InexactFloat64()/prev - 1
	}

	var out []Outlier
	for i := window + 1; i < len(bars); i++ {
		mean, std, ok := meanStd(returns[i-window : i])
		if !ok || std == 0 || math.IsNaN(returns[i]) {
			continue
		}
		z := (returns[i] - mean) / std
		if math.Abs(z) > threshold {
			out = append(out, Outlier{Index: i, Time: bars[i].Time, Return: returns[i], ZScore: z})
		}
	}
	return out
}

func meanStd(values []float64) (float64, float64, bool) {
	n := 0
	sum := 0.0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n < 2 {
		return 0, 0, false
	}
	mean := sum / float64(n)
	ss := 0.0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		ss += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(ss / float64(n-1)), true
}

// Gap is a run of missing intervals between two consecutive bars.
type Gap struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Missing int       `json:"missing"`
}

// DetectGaps reports spacing between consecutive bars larger than interval.
func DetectGaps(bars []Bar, interval time.Duration) []Gap {
	if interval <= 0 {
		return nil
	}
	var out []Gap
	for i := 1; i < len(bars); i++ {
		delta := bars[i].Time.Sub(bars[i-1].Time)
		if delta <= interval {
			continue
		}
		missing := int(delta/interval) - 1
		if delta%interval != 0 {
			missing++
		}
		if missing > 0 {
			out = append(out, Gap{From: bars[i-1].Time, To: bars[i].Time, Missing: missing})
		}
	}
	return out
}

// DetectMissingSessions reports weekdays absent from a daily series in loc.
// Exchange holidays are reported as missing.
func DetectMissingSessions(bars []Bar, loc *time.Location) []time.Time {
	if len(bars) < 2 {
		return nil
	}
	present := make(map[time.Time]struct{}, len(bars))
	for _, b := range bars {
		present[StartOfDay(b.Time, loc)] = struct{}{}
	}
	var missing []time.Time
	start := StartOfDay(bars[0].Time, loc)
	end := StartOfDay(bars[len(bars)-1].Time, loc)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		if _, ok := present[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing
}
