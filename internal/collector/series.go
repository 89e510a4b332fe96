package collector

import (
	"math"
	"sort"
	"strings"
	"time"
)

type series struct {
	name   string
	tags   map[string]string
	points []DataPoint
}

func seriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('|')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

// add appends p, then drops points older than cutoff and the oldest beyond max.
func (s *series) add(p DataPoint, cutoff time.Time, max int) {
	s.points = append(s.points, p)
	s.prune(cutoff)
	if max > 0 && len(s.points) > max {
		s.points = append(s.points[:0:0], s.points[len(s.points)-max:]...)
	}
}

func (s *series) prune(cutoff time.Time) {
	i := 0
	for i < len(s.points) && s.points[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.points = append(s.points[:0:0], s.points[i:]...)
	}
}

func (s *series) aggregate(since time.Time) (Aggregate, bool) {
	values := make([]float64, 0, len(s.points))
	agg := Aggregate{Name: s.name, Tags: s.tags, Min: math.Inf(1), Max: math.Inf(-1)}
	for _, p := range s.points {
		if p.Timestamp.Before(since) {
			continue
		}
		if agg.Count == 0 {
			agg.From = p.Timestamp
		}
		agg.To = p.Timestamp
		agg.Count++
		agg.Sum += p.Value
		agg.Min = math.Min(agg.Min, p.Value)
		agg.Max = math.Max(agg.Max, p.Value)
		values = append(values, p.Value)
	}
	if agg.Count == 0 {
		return Aggregate{}, false
	}

	agg.Avg = agg.Sum / float64(agg.Count)
	sort.Float64s(values)
	agg.P95 = percentile(values, 95)
	agg.P99 = percentile(values, 99)
	return agg, true
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
