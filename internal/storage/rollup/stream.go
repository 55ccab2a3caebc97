package rollup

import (
	"github.com/DataDog/sketches-go/ddsketch"
)

// stream maintains running statistics of one column across the records of
// a month. It tracks the maximum together with the vehicle that holds it
// and, when a sketch is attached, the value distribution for percentiles.
type stream struct {
	count int64
	sum   float64

	max      float64
	maxLabel string

	// DDSketch for percentiles (nil if disabled)
	sketch *ddsketch.DDSketch
}

func newStream() *stream {
	return &stream{}
}

// newSketchStream creates a stream with percentile support at the given
// relative accuracy.
func newSketchStream(accuracy float64) (*stream, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		return nil, err
	}
	return &stream{sketch: sketch}, nil
}

// Add adds a value. The first value wins ties for the maximum.
func (s *stream) Add(value float64, label string) {
	if s.count == 0 || value > s.max {
		s.max = value
		s.maxLabel = label
	}

	s.count++
	s.sum += value

	if s.sketch != nil {
		s.sketch.Add(value)
	}
}

// Count returns the number of values added.
func (s *stream) Count() int64 {
	return s.count
}

// Sum returns the sum of all values.
func (s *stream) Sum() float64 {
	return s.sum
}

// Mean returns the arithmetic mean, or zero when empty.
func (s *stream) Mean() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.count)
}

// Max returns the maximum and the label it was added with.
func (s *stream) Max() (float64, string) {
	return s.max, s.maxLabel
}

// Quantile returns the value at quantile q, or zero without a sketch or data.
func (s *stream) Quantile(q float64) float64 {
	if s.sketch == nil || s.count == 0 {
		return 0
	}
	v, err := s.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return v
}
