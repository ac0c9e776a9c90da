package monitor

import "testing"

func TestRecordLatencyAccumulatesAverage(t *testing.T) {
	m := New()
	m.RecordLatency("embed", 10)
	m.RecordLatency("embed", 20)

	snap := m.Snapshot()
	s, ok := snap.Steps["embed"]
	if !ok {
		t.Fatalf("expected 'embed' step in snapshot, got %+v", snap.Steps)
	}
	if s.Count != 2 {
		t.Errorf("expected count 2, got %d", s.Count)
	}
	if s.AvgLatency != 15 {
		t.Errorf("expected avg latency 15, got %v", s.AvgLatency)
	}
}

func TestSnapshotIsolatedFromFurtherWrites(t *testing.T) {
	m := New()
	m.RecordLatency("ann", 5)
	snap := m.Snapshot()

	m.RecordLatency("ann", 100)

	if snap.Steps["ann"].Count != 1 {
		t.Errorf("expected snapshot count frozen at 1, got %d", snap.Steps["ann"].Count)
	}
}

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.IncrQueueDropped()
	m.IncrQueueDropped()
	m.IncrEvalRetry()
	m.IncrEvalFailure()

	snap := m.Snapshot()
	if snap.QueueDropped != 2 {
		t.Errorf("expected queue dropped 2, got %d", snap.QueueDropped)
	}
	if snap.EvalRetries != 1 {
		t.Errorf("expected eval retries 1, got %d", snap.EvalRetries)
	}
	if snap.EvalFailures != 1 {
		t.Errorf("expected eval failures 1, got %d", snap.EvalFailures)
	}
}

func TestLatenciesMsEmptyWhenNothingRecorded(t *testing.T) {
	m := New()
	latencies := m.LatenciesMs()
	if len(latencies) != 0 {
		t.Errorf("expected empty latency map, got %v", latencies)
	}
}

func TestTimerRecordsElapsed(t *testing.T) {
	m := New()
	timer := m.StartTimer("retrieve", 100)
	timer.Stop(130)

	snap := m.Snapshot()
	if snap.Steps["retrieve"].TotalMs != 30 {
		t.Errorf("expected 30ms recorded, got %d", snap.Steps["retrieve"].TotalMs)
	}
}

func TestTimerClampsNegativeElapsed(t *testing.T) {
	m := New()
	timer := m.StartTimer("retrieve", 100)
	timer.Stop(50)

	snap := m.Snapshot()
	if snap.Steps["retrieve"].TotalMs != 0 {
		t.Errorf("expected clamped elapsed of 0, got %d", snap.Steps["retrieve"].TotalMs)
	}
}
