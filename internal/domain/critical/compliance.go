package critical

import (
	"math"
	"sort"
	"time"
)

// ComputeStats reduces values into compliance statistics. An acknowledgment
// is compliant when it arrived within window of detection. Rates and
// averages are rounded to one decimal; percentiles use the nearest-rank
// method.
func ComputeStats(values []*CriticalValue, window time.Duration) *ComplianceStats {
	stats := &ComplianceStats{
		ByPriority:              make(map[Priority]int),
		ByState:                 make(map[State]int),
		ByTestName:              make(map[string]int),
		ComplianceWindowMinutes: window.Minutes(),
	}

	windowMinutes := window.Minutes()
	var minutes []float64
	for _, cv := range values {
		stats.Total++
		stats.ByPriority[cv.Priority]++
		stats.ByState[cv.State]++
		stats.ByTestName[cv.TestName]++
		if cv.EscalatedAt != nil {
			stats.Escalated++
		}

		ack := cv.Acknowledgment
		if ack == nil {
			stats.Pending++
			continue
		}
		stats.Acknowledged++
		minutes = append(minutes, ack.TimeToAcknowledgeMinutes)
		if compliant(ack, windowMinutes) {
			stats.CompliantCount++
		} else {
			stats.DelayedCount++
		}
	}

	if len(minutes) == 0 {
		return stats
	}

	var sum float64
	for _, m := range minutes {
		sum += m
	}
	sort.Float64s(minutes)
	stats.AverageTimeToAcknowledgeMinutes = round1(sum / float64(len(minutes)))
	stats.MedianTimeToAcknowledgeMinutes = round1(nearestRank(minutes, 50))
	stats.P90TimeToAcknowledgeMinutes = round1(nearestRank(minutes, 90))
	stats.ComplianceRate = round1(float64(stats.CompliantCount) / float64(len(minutes)) * 100)
	return stats
}

// compliant prefers the status stamped at acknowledgment time and falls back
// to the minutes for records that predate it.
func compliant(ack *Acknowledgment, windowMinutes float64) bool {
	switch ack.ComplianceStatus {
	case StatusCompliant:
		return true
	case StatusDelayed:
		return false
	}
	return ack.TimeToAcknowledgeMinutes <= windowMinutes
}

// nearestRank expects sorted input.
func nearestRank(sorted []float64, pct float64) float64 {
	rank := int(math.Ceil(pct / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
