package stats

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSnapshotEmpty(t *testing.T) {
	c := NewCollector()
	s := c.Snapshot()

	if s.TotalMatches != 0 || s.AvgWaitMs != 0 || s.ActiveUsers != 0 {
		t.Errorf("expected zeroed snapshot, got %+v", s)
	}
}

func TestRecordMatchAverages(t *testing.T) {
	c := NewCollector()
	c.RecordMatch(2*time.Second, 4*time.Second)
	c.RecordMatch(1*time.Second, 1*time.Second)

	s := c.Snapshot()
	if s.TotalMatches != 2 {
		t.Errorf("expected 2 matches, got %d", s.TotalMatches)
	}
	// (2000+4000+1000+1000)/4 = 2000ms
	if s.AvgWaitMs != 2000 {
		t.Errorf("expected avg 2000ms, got %d", s.AvgWaitMs)
	}
}

func TestGauges(t *testing.T) {
	c := NewCollector()
	c.SetActiveUsers(12)
	c.SetActiveRooms(4)
	c.SetWaiting(3)

	s := c.Snapshot()
	if s.ActiveUsers != 12 || s.ActiveRooms != 4 || s.Waiting != 3 {
		t.Errorf("unexpected gauges: %+v", s)
	}
}

func TestSnapshotJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(NewCollector().Snapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, key := range []string{"uptimeSeconds", "totalMatches", "avgWaitMs", "activeUsers", "activeRooms", "waiting"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing JSON key %q", key)
		}
	}
}
