package devices

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Training: TrainingConfig{
			PreOpen: 30,
			VentDur: 1,
			On1:     5,
			Sleep1:  5,
			Train:   22,
		},
		Detection: DetectionConfig{
			Open1:    "09:46",
			Close1:   "10:00",
			StartDet: "10:30",
			On2:      10,
			Sleep2:   20,
			Detect:   60,
		},
		Timezone: 0,
	}
}

func msAt(t *testing.T, value string) int64 {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse %s: %v", value, err)
	}
	return parsed.UnixMilli()
}

func TestComputeSchedulePreOpen(t *testing.T) {
	cfg := testConfig()
	status := Status{Mode: ModePreOpenLid, LastUpdated: msAt(t, "2026-03-10T08:00:00Z")}

	schedule := ComputeSchedule(status, cfg)

	wantNext := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	if !schedule.NextUpdate.Equal(wantNext) {
		t.Fatalf("next = %v, want %v", schedule.NextUpdate, wantNext)
	}
	wantAfter := wantNext.Add(10 * time.Minute)
	if !schedule.AfterNextUpdate.Equal(wantAfter) {
		t.Fatalf("after = %v, want %v", schedule.AfterNextUpdate, wantAfter)
	}
}

func TestComputeScheduleTrainingCycles(t *testing.T) {
	cfg := testConfig()
	start := msAt(t, "2026-03-10T08:00:00Z")
	status := Status{
		Mode:        ModeTraining,
		Start:       start,
		LastUpdated: start + 15*60*1000, // 15 minutes in, mid second cycle
	}

	schedule := ComputeSchedule(status, cfg)

	if schedule.TotalCycles != 3 {
		t.Fatalf("total cycles = %d, want ceil(22/10) = 3", schedule.TotalCycles)
	}
	if schedule.CurrentCycle != 2 {
		t.Fatalf("current cycle = %d, want 2", schedule.CurrentCycle)
	}
	wantNext := time.UnixMilli(status.LastUpdated).UTC().Add(10 * time.Minute)
	if !schedule.NextUpdate.Equal(wantNext) {
		t.Fatalf("next = %v, want %v", schedule.NextUpdate, wantNext)
	}
	if !schedule.AfterNextUpdate.Equal(wantNext.Add(10 * time.Minute)) {
		t.Fatalf("after = %v, want one cycle past next", schedule.AfterNextUpdate)
	}
}

func TestComputeScheduleTrainingLastCycleRollsToDaily(t *testing.T) {
	cfg := testConfig()
	start := msAt(t, "2026-03-10T08:00:00Z")
	status := Status{
		Mode:        ModeTraining,
		Start:       start,
		LastUpdated: start + 25*60*1000, // third and final cycle
	}

	schedule := ComputeSchedule(status, cfg)

	if schedule.CurrentCycle != 3 || schedule.TotalCycles != 3 {
		t.Fatalf("cycles = %d/%d, want 3/3", schedule.CurrentCycle, schedule.TotalCycles)
	}
	// Earliest daily deadline after the next update (08:35) is 09:46.
	want := time.Date(2026, 3, 10, 9, 46, 0, 0, time.UTC)
	if !schedule.AfterNextUpdate.Equal(want) {
		t.Fatalf("after = %v, want %v", schedule.AfterNextUpdate, want)
	}
}

func TestDailyDeadlineSameDayAndRollover(t *testing.T) {
	cfg := testConfig()

	before := Status{Mode: ModeLidOpenedIdling, LastUpdated: msAt(t, "2026-03-10T09:00:00Z")}
	schedule := ComputeSchedule(before, cfg)
	want := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	if !schedule.NextUpdate.Equal(want) {
		t.Fatalf("next = %v, want same-day %v", schedule.NextUpdate, want)
	}

	after := Status{Mode: ModeLidOpenedIdling, LastUpdated: msAt(t, "2026-03-10T11:00:00Z")}
	schedule = ComputeSchedule(after, cfg)
	want = time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	if !schedule.NextUpdate.Equal(want) {
		t.Fatalf("next = %v, want next-day %v", schedule.NextUpdate, want)
	}

	// Between close and detection start both deadlines roll to tomorrow;
	// the detection start must stay after the close it follows.
	between := Status{Mode: ModeLidOpenedIdling, LastUpdated: msAt(t, "2026-03-10T10:15:00Z")}
	schedule = ComputeSchedule(between, cfg)
	wantNext := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	wantAfter := time.Date(2026, 3, 11, 10, 30, 0, 0, time.UTC)
	if !schedule.NextUpdate.Equal(wantNext) {
		t.Fatalf("next = %v, want %v", schedule.NextUpdate, wantNext)
	}
	if !schedule.AfterNextUpdate.Equal(wantAfter) {
		t.Fatalf("after = %v, want %v", schedule.AfterNextUpdate, wantAfter)
	}
}

func TestDailyDeadlineHonorsTimezoneOffset(t *testing.T) {
	cfg := testConfig()
	cfg.Timezone = 2 // device-local 10:00 is 08:00 UTC

	status := Status{Mode: ModeLidOpenedIdling, LastUpdated: msAt(t, "2026-03-10T07:00:00Z")}
	schedule := ComputeSchedule(status, cfg)
	want := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	if !schedule.NextUpdate.Equal(want) {
		t.Fatalf("next = %v, want %v", schedule.NextUpdate, want)
	}
}

func TestComputeScheduleDoneTrainingPicksEarliestDaily(t *testing.T) {
	cfg := testConfig()
	status := Status{Mode: ModeDoneTraining, LastUpdated: msAt(t, "2026-03-10T09:00:00Z")}

	schedule := ComputeSchedule(status, cfg)

	wantNext := time.Date(2026, 3, 10, 9, 46, 0, 0, time.UTC)
	if !schedule.NextUpdate.Equal(wantNext) {
		t.Fatalf("next = %v, want %v", schedule.NextUpdate, wantNext)
	}
	wantAfter := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	if !schedule.AfterNextUpdate.Equal(wantAfter) {
		t.Fatalf("after = %v, want next occurrence past the first minimum %v", schedule.AfterNextUpdate, wantAfter)
	}
}

func TestComputeScheduleInspectionRoundingDiffers(t *testing.T) {
	cfg := testConfig()
	// 50 minutes past the 10:30 detection start; cycle length 30 minutes.
	// elapsed ratio 1.67: floor gives cycle 2, round gives cycle 3 (clamped).
	last := msAt(t, "2026-03-10T11:20:00Z")

	report := ComputeSchedule(Status{Mode: ModeReportInspection, LastUpdated: last}, cfg)
	inspect := ComputeSchedule(Status{Mode: ModeInspecting, LastUpdated: last}, cfg)

	if report.TotalCycles != 2 || inspect.TotalCycles != 2 {
		t.Fatalf("total cycles = %d/%d, want ceil(60/30) = 2", report.TotalCycles, inspect.TotalCycles)
	}
	if report.CurrentCycle != 2 {
		t.Fatalf("report inspection cycle = %d, want floor(1.67)+1 = 2", report.CurrentCycle)
	}
	if inspect.CurrentCycle != 2 {
		t.Fatalf("inspecting cycle = %d, want round(1.67)+1 clamped to 2", inspect.CurrentCycle)
	}

	// 25 minutes past the start the two stages diverge: elapsed ratio 0.83
	// floors to cycle 1 but rounds to cycle 2.
	last = msAt(t, "2026-03-10T10:55:00Z")
	report = ComputeSchedule(Status{Mode: ModeReportInspection, LastUpdated: last}, cfg)
	inspect = ComputeSchedule(Status{Mode: ModeInspecting, LastUpdated: last}, cfg)
	if report.CurrentCycle != 1 {
		t.Fatalf("report inspection cycle = %d, want 1", report.CurrentCycle)
	}
	if inspect.CurrentCycle != 2 {
		t.Fatalf("inspecting cycle = %d, want 2", inspect.CurrentCycle)
	}
}

func TestComputeScheduleFinalInspectionRollsToOpen(t *testing.T) {
	cfg := testConfig()
	// Deep into the final inspection cycle.
	last := msAt(t, "2026-03-10T11:45:00Z")
	schedule := ComputeSchedule(Status{Mode: ModeReportInspection, LastUpdated: last}, cfg)

	if schedule.CurrentCycle != schedule.TotalCycles {
		t.Fatalf("cycles = %d/%d, want final", schedule.CurrentCycle, schedule.TotalCycles)
	}
	want := time.Date(2026, 3, 11, 9, 46, 0, 0, time.UTC)
	if !schedule.AfterNextUpdate.Equal(want) {
		t.Fatalf("after = %v, want next open deadline %v", schedule.AfterNextUpdate, want)
	}

	// An open deadline inside the final cycle rolls to the following day
	// instead of landing before the next update.
	last = msAt(t, "2026-03-10T09:30:00Z")
	schedule = ComputeSchedule(Status{Mode: ModeInspecting, LastUpdated: last}, cfg)
	if schedule.CurrentCycle != schedule.TotalCycles {
		t.Fatalf("cycles = %d/%d, want final", schedule.CurrentCycle, schedule.TotalCycles)
	}
	if !schedule.AfterNextUpdate.Equal(want) {
		t.Fatalf("after = %v, want %v", schedule.AfterNextUpdate, want)
	}
	if schedule.AfterNextUpdate.Before(schedule.NextUpdate) {
		t.Fatalf("after %v before next %v", schedule.AfterNextUpdate, schedule.NextUpdate)
	}
}

func TestComputeScheduleUnknownModeStagnates(t *testing.T) {
	cfg := testConfig()
	last := msAt(t, "2026-03-10T09:00:00Z")
	schedule := ComputeSchedule(Status{Mode: "Rebooting", LastUpdated: last}, cfg)

	if !schedule.NextUpdate.Equal(schedule.AfterNextUpdate) {
		t.Fatalf("unknown mode should not signal progress: next=%v after=%v", schedule.NextUpdate, schedule.AfterNextUpdate)
	}
	if schedule.CurrentCycle != 0 || schedule.TotalCycles != 0 {
		t.Fatalf("unknown mode cycles = %d/%d, want 0/0", schedule.CurrentCycle, schedule.TotalCycles)
	}
}

func TestComputeScheduleInvariants(t *testing.T) {
	cfg := testConfig()
	modes := []Mode{
		ModePreOpenLid, ModeTraining, ModeDoneTraining, ModeDailyCycleDone,
		ModeLidOpenedIdling, ModeLidClosedIdling, ModeInspecting, ModeReportInspection,
		"Bogus",
	}
	times := []string{
		"2026-03-10T00:00:00Z",
		"2026-03-10T09:45:59Z",
		"2026-03-10T10:15:00Z",
		"2026-03-10T10:30:00Z",
		"2026-03-10T23:59:00Z",
	}
	for _, mode := range modes {
		for _, at := range times {
			last := msAt(t, at)
			status := Status{Mode: mode, Start: last - 3_600_000, LastUpdated: last}
			schedule := ComputeSchedule(status, cfg)
			lastTime := time.UnixMilli(last).UTC()
			if schedule.NextUpdate.Before(lastTime) {
				t.Fatalf("%s @ %s: next %v before last update", mode, at, schedule.NextUpdate)
			}
			if schedule.AfterNextUpdate.Before(schedule.NextUpdate) {
				t.Fatalf("%s @ %s: after %v before next %v", mode, at, schedule.AfterNextUpdate, schedule.NextUpdate)
			}
			if schedule.CurrentCycle < 0 || schedule.CurrentCycle > schedule.TotalCycles {
				t.Fatalf("%s @ %s: cycles %d/%d out of range", mode, at, schedule.CurrentCycle, schedule.TotalCycles)
			}
		}
	}
}

func TestComputeScheduleIsPure(t *testing.T) {
	cfg := testConfig()
	status := Status{Mode: ModeTraining, Start: msAt(t, "2026-03-10T08:00:00Z"), LastUpdated: msAt(t, "2026-03-10T08:15:00Z")}

	first := ComputeSchedule(status, cfg)
	second := ComputeSchedule(status, cfg)
	if first != second {
		t.Fatalf("repeated compute differed: %+v vs %+v", first, second)
	}
}
