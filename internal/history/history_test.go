package history

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "herdctl.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListJobs(t *testing.T) {
	s := newTestService(t)
	start := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

	for i, outcome := range []string{"completed", "failed", "completed"} {
		err := s.RecordJob(JobRecord{
			ID:          "job-2024-05-06-" + string(rune('a'+i)) + "bcdef",
			Agent:       "watcher",
			Origin:      "scheduler",
			Outcome:     outcome,
			StartedAt:   start.Add(time.Duration(i) * time.Minute),
			CompletedAt: start.Add(time.Duration(i)*time.Minute + 5*time.Second),
			DurationMs:  5000,
			Output:      "out",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.RecentJobs("watcher", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs", len(jobs))
	}
	if !jobs[0].StartedAt.After(jobs[1].StartedAt) {
		t.Error("jobs must be newest first")
	}

	none, err := s.RecentJobs("ghost", 10)
	if err != nil || len(none) != 0 {
		t.Errorf("unknown agent: %v %v", none, err)
	}
}

func TestUpsertScheduleRun(t *testing.T) {
	s := newTestService(t)
	tick := time.Now()
	if err := s.UpsertScheduleRun("watcher", "check", "dispatched", tick); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertScheduleRun("watcher", "check", "skipped_concurrency", tick.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
}

func TestNilServiceIsSafe(t *testing.T) {
	var s *Service
	if err := s.RecordJob(JobRecord{ID: "x"}); err != nil {
		t.Error(err)
	}
	if err := s.UpsertScheduleRun("a", "s", "dispatched", time.Now()); err != nil {
		t.Error(err)
	}
	if _, err := s.RecentJobs("", 5); err != nil {
		t.Error(err)
	}
	if err := s.Close(); err != nil {
		t.Error(err)
	}
}
