package challenge

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScoreMultiplier(t *testing.T) {
	cases := []struct {
		avg  float64
		want float64
	}{
		{0, 0.1},    // clamped low
		{0.5, 0.1},  // still below the floor
		{1.0, 0.1},  // exactly at the floor
		{5.0, 0.5},
		{8.0, 0.8},
		{10.0, 1.0},
		{25.0, 2.0}, // clamped high
	}

	for _, c := range cases {
		if got := ScoreMultiplier(c.avg); !almostEqual(got, c.want) {
			t.Errorf("ScoreMultiplier(%v) = %v, want %v", c.avg, got, c.want)
		}
	}
}

func TestFinalScore(t *testing.T) {
	// 2 invites, 10 jabs at an 8.0 average:
	// 2*50*0.5 + 10*0.2*0.8 = 50 + 1.6
	if got := FinalScore(2, 10, 8.0); !almostEqual(got, 51.6) {
		t.Errorf("FinalScore(2, 10, 8.0) = %v, want 51.6", got)
	}

	if got := FinalScore(0, 0, 0); !almostEqual(got, 0) {
		t.Errorf("FinalScore(0, 0, 0) = %v, want 0", got)
	}

	// A terrible average still earns the clamped minimum per jab.
	if got := FinalScore(0, 10, 0.2); !almostEqual(got, 10*0.2*0.1) {
		t.Errorf("FinalScore(0, 10, 0.2) = %v, want %v", got, 10*0.2*0.1)
	}
}

func TestNextAverage(t *testing.T) {
	if got := NextAverage(0, 0, 7.0); !almostEqual(got, 7.0) {
		t.Errorf("first score should become the average, got %v", got)
	}

	// avg 8.0 over 4 jabs, then a 3.0: (32+3)/5 = 7.0
	if got := NextAverage(8.0, 4, 3.0); !almostEqual(got, 7.0) {
		t.Errorf("NextAverage(8, 4, 3) = %v, want 7", got)
	}
}

func TestApplyScore(t *testing.T) {
	p := Participant{ID: "u1", InviteCount: 2, TotalJabs: 9, AverageScore: 8.0}
	// (8*9 + 8)/10 = 8.0 again, so this lands exactly on the 51.6 fixture.
	updated := p.ApplyScore(8.0)

	if updated.TotalJabs != 10 {
		t.Errorf("TotalJabs = %d, want 10", updated.TotalJabs)
	}
	if !almostEqual(updated.AverageScore, 8.0) {
		t.Errorf("AverageScore = %v, want 8.0", updated.AverageScore)
	}
	if !almostEqual(updated.FinalScore, 51.6) {
		t.Errorf("FinalScore = %v, want 51.6", updated.FinalScore)
	}

	// Receiver untouched.
	if p.TotalJabs != 9 {
		t.Errorf("ApplyScore mutated the receiver: TotalJabs = %d", p.TotalJabs)
	}
}

func TestApplyInvite(t *testing.T) {
	p := Participant{ID: "u1", InviteCount: 1, TotalJabs: 10, AverageScore: 8.0}
	updated := p.ApplyInvite()

	if updated.InviteCount != 2 {
		t.Errorf("InviteCount = %d, want 2", updated.InviteCount)
	}
	if !almostEqual(updated.FinalScore, 51.6) {
		t.Errorf("FinalScore = %v, want 51.6", updated.FinalScore)
	}
	if p.InviteCount != 1 {
		t.Errorf("ApplyInvite mutated the receiver: InviteCount = %d", p.InviteCount)
	}
}

func TestChallengeWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(7 * 24 * time.Hour)
	c := &Challenge{ID: "c1", StartTime: start, EndTime: end}

	if !c.IsPending(start.Add(-time.Second)) {
		t.Error("challenge should be pending before its start")
	}
	if !c.IsActive(start) {
		t.Error("start instant belongs to the active window")
	}
	if !c.IsActive(end.Add(-time.Nanosecond)) {
		t.Error("the last instant before end is still active")
	}
	if c.IsActive(end) {
		t.Error("end instant is outside the half-open window")
	}
	if !c.HasEnded(end) {
		t.Error("challenge should count as ended at its end instant")
	}
	if c.HasEnded(end.Add(-time.Second)) {
		t.Error("challenge has not ended before its end instant")
	}
}

func TestSelectActiveTieBreak(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	earlier := now.Add(-48 * time.Hour)
	later := now.Add(-24 * time.Hour)
	end := now.Add(24 * time.Hour)

	a := &Challenge{ID: "b-challenge", StartTime: earlier, EndTime: end}
	b := &Challenge{ID: "a-challenge", StartTime: later, EndTime: end}
	c := &Challenge{ID: "c-challenge", StartTime: earlier, EndTime: end}
	pending := &Challenge{ID: "pending", StartTime: now.Add(time.Hour), EndTime: end}
	ended := &Challenge{ID: "ended", StartTime: earlier, EndTime: now.Add(-time.Hour)}

	got := SelectActive([]*Challenge{b, ended, c, pending, a}, now)
	if got == nil {
		t.Fatal("expected an active challenge")
	}
	// Earliest start wins; equal starts fall back to lowest ID.
	if got.ID != "b-challenge" {
		t.Errorf("SelectActive picked %q, want %q", got.ID, "b-challenge")
	}

	if SelectActive(nil, now) != nil {
		t.Error("no challenges should select nil")
	}
	if SelectActive([]*Challenge{pending, ended}, now) != nil {
		t.Error("pending and ended challenges should select nil")
	}
}

func TestSelectCompletedOrder(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	oldest := &Challenge{ID: "oldest", EndTime: now.Add(-72 * time.Hour)}
	newest := &Challenge{ID: "newest", EndTime: now.Add(-time.Hour)}
	middle := &Challenge{ID: "middle", EndTime: now.Add(-24 * time.Hour)}
	active := &Challenge{ID: "active", StartTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour)}
	pending := &Challenge{ID: "pending", StartTime: now.Add(time.Hour), EndTime: now.Add(48 * time.Hour)}

	got := SelectCompleted([]*Challenge{oldest, active, newest, pending, middle}, now)

	want := []string{"newest", "middle", "oldest"}
	if len(got) != len(want) {
		t.Fatalf("got %d completed challenges, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("completed[%d] = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestParticipantLookup(t *testing.T) {
	c := &Challenge{
		Participants: []*Participant{
			{ID: "u1", Name: "Ana"},
			{ID: "u2", Name: "Ben"},
		},
	}

	if p := c.Participant("u2"); p == nil || p.Name != "Ben" {
		t.Errorf("Participant(u2) = %+v, want Ben", p)
	}
	if p := c.Participant("missing"); p != nil {
		t.Errorf("Participant(missing) = %+v, want nil", p)
	}
}
