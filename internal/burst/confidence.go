package burst

import (
	"math"
	"time"
)

// Review decisions derived from the confidence score.
const (
	DecisionAutoApproved = "auto_approved"
	DecisionNeedsReview  = "needs_review"
	DecisionAutoHold     = "auto_hold"
)

// Confidence is an advisory estimate of how likely a group is a genuine
// exposure bracket. It never changes the grouping itself.
type Confidence struct {
	Score        float64       `json:"score"`
	Decision     string        `json:"decision"`
	HDRCandidate bool          `json:"hdrCandidate"`
	EVSpan       float64       `json:"evSpan"`
	MaxGap       time.Duration `json:"maxGap"`
}

// Score rates a group of frames in timestamp order.
func Score(frames []Frame) Confidence {
	var c Confidence
	if len(frames) == 0 {
		c.Decision = DecisionAutoHold
		return c
	}

	var evs, fnums, focals []float64
	for _, f := range frames {
		if f.ExposureBias != nil {
			evs = append(evs, *f.ExposureBias)
		}
		if f.FNumber > 0 {
			fnums = append(fnums, f.FNumber)
		}
		if f.FocalLength > 0 {
			focals = append(focals, f.FocalLength)
		}
	}
	for i := 1; i < len(frames); i++ {
		if gap := frames[i].CaptureTime.Sub(frames[i-1].CaptureTime); gap > c.MaxGap {
			c.MaxGap = gap
		}
	}

	score := 0.0
	if len(evs) > 0 {
		lo, hi := evs[0], evs[0]
		for _, v := range evs[1:] {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		c.EVSpan = hi - lo
		if c.EVSpan >= 0.6 {
			score += 0.35
			c.HDRCandidate = true
		}
	}
	switch n := len(frames); {
	case n == 3 || n == 5:
		score += 0.25
	case n < 2 || n > 7:
		score -= 0.2
	}
	if len(frames) > 1 && c.MaxGap <= 1500*time.Millisecond {
		score += 0.2
	}
	if len(fnums) > 1 && stddev(fnums) < 0.1 {
		score += 0.1
	}
	if len(focals) > 1 && stddev(focals) < 1.0 {
		score += 0.1
	}

	c.Score = math.Round(math.Max(0, math.Min(1, score))*100) / 100
	switch {
	case c.Score >= 0.85:
		c.Decision = DecisionAutoApproved
	case c.Score >= 0.65:
		c.Decision = DecisionNeedsReview
	default:
		c.Decision = DecisionAutoHold
	}
	return c
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	v := 0.0
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return math.Sqrt(v / float64(len(xs)))
}
