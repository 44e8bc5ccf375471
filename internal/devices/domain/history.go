package devices

import "time"

// HistoryRecord is one persisted mode interval, decoded from storage. The
// cycle pair is explicit here; the "Mode|index|total" label encoding lives at
// the persistence boundary only.
type HistoryRecord struct {
	Mode        Mode
	CycleIndex  int
	TotalCycles int
	// HasCycle reports whether the persisted label carried a cycle pair.
	HasCycle bool

	Timestamp time.Time // effective start
	EndTime   time.Time // effective end, zero while the interval is open
	// ExpectedUpdateAt is the deadline computed when the record was current.
	// It bounds the interval end so an open period never appears to extend
	// past its prediction.
	ExpectedUpdateAt time.Time
}

// Category labels a reconstructed group of intervals.
type Category string

const (
	CategoryTraining   Category = "Training"
	CategoryDailyCycle Category = "DailyCycle"
)

// Interval is a reconstructed phase span in epoch milliseconds. End is zero
// for a span still in progress.
type Interval struct {
	Start int64 `json:"start"`
	End   int64 `json:"end,omitempty"`
}

// OperationCycle is one reconstructed category: the training run or a single
// day's open/close/inspection episode. Cycles is indexed by cycle position;
// nil entries are cycles not yet observed.
type OperationCycle struct {
	Category    Category    `json:"category"`
	TotalCycles int         `json:"totalCycles"`
	Cycles      []*Interval `json:"cycles"`
}

type span struct {
	start time.Time
	end   time.Time // zero while open
}

// Reconstruct rebuilds per-phase cycle intervals from the raw mode history,
// which must be supplied in ascending timestamp order. Categories are
// returned most recent first, the training run last.
func Reconstruct(history []HistoryRecord, cfg Config) []OperationCycle {
	trainLen := positiveMinutes(cfg.Training.On1 + cfg.Training.Sleep1)
	detectLen := positiveMinutes(cfg.Detection.On2 + cfg.Detection.Sleep2)

	trainingSlots, trainingTotal := buildTraining(history, cfg, trainLen)
	episodes := groupEpisodes(history)

	type category struct {
		kind     Category
		total    int
		slots    []*span
		cycleLen time.Duration
	}
	categories := []category{{kind: CategoryTraining, total: trainingTotal, slots: trainingSlots, cycleLen: trainLen}}
	for _, episode := range episodes {
		slots, total := buildEpisode(episode, cfg, detectLen)
		categories = append(categories, category{kind: CategoryDailyCycle, total: total, slots: slots, cycleLen: detectLen})
	}

	last := categories[len(categories)-1]
	forwardFill(last.slots, last.cycleLen)
	for _, cat := range categories {
		deoverlap(cat.slots)
	}

	// Most recent episode first, training last.
	result := make([]OperationCycle, 0, len(categories))
	for i := len(categories) - 1; i >= 0; i-- {
		cat := categories[i]
		result = append(result, OperationCycle{
			Category:    cat.kind,
			TotalCycles: cat.total,
			Cycles:      toIntervals(cat.slots),
		})
	}
	return result
}

// buildTraining assembles slot 0 (pre-open) plus one slot per training cycle.
func buildTraining(history []HistoryRecord, cfg Config, cycleLen time.Duration) ([]*span, int) {
	total := 0
	for _, record := range history {
		if record.Mode == ModeTraining && record.HasCycle && record.TotalCycles > 0 {
			total = record.TotalCycles
			break
		}
	}
	if total == 0 {
		total = ceilDiv(cfg.Training.Train, int(cycleLen.Minutes()))
	}

	slots := make([]*span, total+1)
	for _, record := range history {
		switch record.Mode {
		case ModePreOpenLid:
			slots[0] = mergeSpan(slots[0], record.Timestamp, record.ExpectedUpdateAt)
		case ModeTraining:
			if !record.HasCycle {
				continue
			}
			idx := record.CycleIndex + 1
			if idx < 1 || idx >= len(slots) {
				continue
			}
			slots[idx] = mergeSpan(slots[idx], record.Timestamp, boundedEnd(record))
		}
	}
	return slots, total
}

// groupEpisodes splits the daily-cycle portion of the history into one
// episode per day. A stage regression (e.g. a lid-open record after an
// inspection record) signals the next day's cycle.
func groupEpisodes(history []HistoryRecord) [][]HistoryRecord {
	var episodes [][]HistoryRecord
	var current []HistoryRecord
	lastStage := -1
	for _, record := range history {
		stage := stageIndex(record.Mode)
		if stage < 0 {
			continue
		}
		if len(current) > 0 && stage < lastStage {
			episodes = append(episodes, current)
			current = nil
		}
		current = append(current, record)
		lastStage = stage
	}
	if len(current) > 0 {
		episodes = append(episodes, current)
	}
	return episodes
}

func stageIndex(mode Mode) int {
	switch mode {
	case ModeLidOpenedIdling:
		return 0
	case ModeLidClosedIdling:
		return 1
	case ModeInspecting, ModeReportInspection:
		return 2
	}
	return -1
}

// buildEpisode assembles a daily-cycle category: slot 0 open-idle, slot 1
// closed-idle, then one slot per inspection cycle.
func buildEpisode(episode []HistoryRecord, cfg Config, cycleLen time.Duration) ([]*span, int) {
	total := 0
	for _, record := range episode {
		if record.HasCycle && record.TotalCycles > 0 {
			total = record.TotalCycles
			break
		}
	}
	if total == 0 {
		total = ceilDiv(cfg.Detection.Detect, int(cycleLen.Minutes()))
	}

	slots := make([]*span, total+2)
	for _, record := range episode {
		switch record.Mode {
		case ModeLidOpenedIdling:
			slots[0] = mergeSpan(slots[0], record.Timestamp, boundedEnd(record))
		case ModeLidClosedIdling:
			slots[1] = mergeSpan(slots[1], record.Timestamp, boundedEnd(record))
		case ModeInspecting, ModeReportInspection:
			if !record.HasCycle {
				continue
			}
			idx := record.CycleIndex + 2
			if idx < 2 || idx >= len(slots) {
				continue
			}
			slots[idx] = mergeSpan(slots[idx], record.Timestamp, boundedEnd(record))
		}
	}
	return slots, total
}

// boundedEnd caps a record's effective end at its predicted deadline so a
// still-open history period does not stretch past what was expected.
func boundedEnd(record HistoryRecord) time.Time {
	if record.EndTime.IsZero() {
		return record.ExpectedUpdateAt
	}
	if !record.ExpectedUpdateAt.IsZero() && record.ExpectedUpdateAt.Before(record.EndTime) {
		return record.ExpectedUpdateAt
	}
	return record.EndTime
}

func mergeSpan(existing *span, start, end time.Time) *span {
	if existing == nil {
		return &span{start: start, end: end}
	}
	if start.Before(existing.start) {
		existing.start = start
	}
	if end.After(existing.end) {
		existing.end = end
	}
	return existing
}

// forwardFill synthesizes a provisional open-ended slot for the first
// unobserved cycle of the most recent category: the trap is assumed to be in
// it right now.
func forwardFill(slots []*span, cycleLen time.Duration) {
	lastKnown := -1
	for i, slot := range slots {
		if slot != nil {
			lastKnown = i
		}
	}
	if lastKnown < 0 || lastKnown == len(slots)-1 {
		return
	}
	prev := slots[lastKnown]
	start := prev.end
	if start.IsZero() {
		start = prev.start.Add(cycleLen)
	}
	slots[lastKnown+1] = &span{start: start}
}

// deoverlap clamps each closed interval so it never crosses into the start of
// the next observed interval.
func deoverlap(slots []*span) {
	for i := 0; i < len(slots)-1; i++ {
		current, next := slots[i], slots[i+1]
		if current == nil || next == nil {
			continue
		}
		if current.end.IsZero() || next.start.IsZero() {
			continue
		}
		if next.start.Before(current.end) {
			current.end = next.start
		}
	}
}

func toIntervals(slots []*span) []*Interval {
	intervals := make([]*Interval, len(slots))
	for i, slot := range slots {
		if slot == nil {
			continue
		}
		interval := &Interval{Start: slot.start.UnixMilli()}
		if !slot.end.IsZero() {
			interval.End = slot.end.UnixMilli()
		}
		intervals[i] = interval
	}
	return intervals
}
