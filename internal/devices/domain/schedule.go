package devices

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Schedule is the predicted reporting schedule for a trap: when the next
// report is due, the deadline bounding the report after that, and the trap's
// position within its current repeating phase.
type Schedule struct {
	NextUpdate      time.Time
	AfterNextUpdate time.Time
	CurrentCycle    int
	TotalCycles     int
}

// ComputeSchedule derives the expected reporting schedule from the latest
// status report and the trap's configuration. Pure: no clock, no I/O.
//
// An unrecognized mode yields a stagnant schedule (both deadlines equal to
// the last report time) rather than an error.
func ComputeSchedule(status Status, cfg Config) Schedule {
	last := time.UnixMilli(status.LastUpdated).UTC()
	training := cfg.Training
	detection := cfg.Detection

	switch status.Mode {
	case ModePreOpenLid:
		next := last.Add(minutes(training.PreOpen))
		return Schedule{
			NextUpdate:      next,
			AfterNextUpdate: next.Add(minutes(training.On1 + training.Sleep1)),
		}

	case ModeTraining:
		cycleLen := positiveMinutes(training.On1 + training.Sleep1)
		start := time.UnixMilli(status.Start).UTC()
		elapsed := last.Sub(start).Minutes()
		current := int(math.Floor(elapsed/cycleLen.Minutes())) + 1
		total := ceilDiv(training.Train, int(cycleLen.Minutes()))
		current = clampCycle(current, total)
		next := last.Add(cycleLen)
		after := next.Add(cycleLen)
		if current >= total {
			after = earliestDaily(detection, next, cfg.Timezone)
		}
		return Schedule{NextUpdate: next, AfterNextUpdate: after, CurrentCycle: current, TotalCycles: total}

	case ModeDoneTraining, ModeDailyCycleDone:
		next := earliestDaily(detection, last, cfg.Timezone)
		// The second deadline is the next daily occurrence strictly after
		// the first minimum, bounding the following interval.
		after := earliestDaily(detection, next, cfg.Timezone)
		return Schedule{NextUpdate: next, AfterNextUpdate: after}

	case ModeLidOpenedIdling:
		// StartDet resolves from the close deadline, not from last: between
		// close and detection start the close rolls to tomorrow and the
		// detection start must follow it.
		next := dailyDeadline(detection.Close1, last, cfg.Timezone, false)
		return Schedule{
			NextUpdate:      next,
			AfterNextUpdate: dailyDeadline(detection.StartDet, next, cfg.Timezone, false),
		}

	case ModeLidClosedIdling:
		next := dailyDeadline(detection.StartDet, last, cfg.Timezone, false)
		return Schedule{
			NextUpdate:      next,
			AfterNextUpdate: next.Add(minutes(detection.On2 + detection.Sleep2)),
		}

	case ModeInspecting, ModeReportInspection:
		cycleLen := positiveMinutes(detection.On2 + detection.Sleep2)
		started := dailyDeadline(detection.StartDet, last, cfg.Timezone, true)
		elapsed := last.Sub(started).Minutes() / cycleLen.Minutes()
		// Report Inspection floors the elapsed ratio while Inspecting
		// rounds it. The trap firmware reports the two stages at different
		// points within a cycle; do not unify without confirming intent.
		var current int
		if status.Mode == ModeReportInspection {
			current = int(math.Floor(elapsed)) + 1
		} else {
			current = int(math.Round(elapsed)) + 1
		}
		total := ceilDiv(detection.Detect, int(cycleLen.Minutes()))
		current = clampCycle(current, total)
		next := last.Add(cycleLen)
		after := next.Add(cycleLen)
		if current >= total {
			// Resolved from next, not last: an open deadline inside the
			// final cycle must roll to the following day.
			after = dailyDeadline(detection.Open1, next, cfg.Timezone, false)
		}
		return Schedule{NextUpdate: next, AfterNextUpdate: after, CurrentCycle: current, TotalCycles: total}
	}

	return Schedule{NextUpdate: last, AfterNextUpdate: last}
}

// dailyDeadline resolves an "HH:MM" device-local clock time against the
// reference instant. Forward resolution always lands strictly in the future;
// the "ago" variant always lands in the past.
func dailyDeadline(clock string, ref time.Time, tzHours int, ago bool) time.Time {
	hour, minute := parseClock(clock)
	loc := time.FixedZone(fmt.Sprintf("GMT%+d", tzHours), tzHours*3600)
	local := ref.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if ago {
		if !candidate.Before(ref) {
			candidate = candidate.AddDate(0, 0, -1)
		}
	} else {
		if !candidate.After(ref) {
			candidate = candidate.AddDate(0, 0, 1)
		}
	}
	return candidate.UTC()
}

// earliestDaily picks the soonest of the three daily deadlines after ref.
func earliestDaily(detection DetectionConfig, ref time.Time, tzHours int) time.Time {
	earliest := dailyDeadline(detection.Open1, ref, tzHours, false)
	for _, clock := range []string{detection.Close1, detection.StartDet} {
		if candidate := dailyDeadline(clock, ref, tzHours, false); candidate.Before(earliest) {
			earliest = candidate
		}
	}
	return earliest
}

func parseClock(value string) (int, int) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, 0
	}
	return parsed.Hour(), parsed.Minute()
}

func minutes(value int) time.Duration {
	return time.Duration(value) * time.Minute
}

// positiveMinutes guards the cycle-length divisors against degenerate
// configurations reporting zero durations.
func positiveMinutes(value int) time.Duration {
	if value < 1 {
		value = 1
	}
	return time.Duration(value) * time.Minute
}

func ceilDiv(total, cycleLen int) int {
	if cycleLen < 1 {
		cycleLen = 1
	}
	return int(math.Ceil(float64(total) / float64(cycleLen)))
}

func clampCycle(current, total int) int {
	if current > total {
		return total
	}
	if current < 0 {
		return 0
	}
	return current
}
