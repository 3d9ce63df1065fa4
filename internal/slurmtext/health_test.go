package slurmtext

import "testing"

func TestParseCPUSummary(t *testing.T) {
	used, total, ok := ParseCPUSummary("120/80/0/200")
	if !ok || used != 120 || total != 200 {
		t.Fatalf("got used=%d total=%d ok=%v", used, total, ok)
	}

	if _, _, ok := ParseCPUSummary("not-a-summary"); ok {
		t.Fatal("expected ok=false for malformed summary")
	}
}

func TestNodeStateCounts(t *testing.T) {
	idle, busy, down := NodeStateCounts([]string{"idle", "alloc", "mix", "down", "drain", "", "idle"})
	if idle != 2 || busy != 2 || down != 2 {
		t.Fatalf("got idle=%d busy=%d down=%d", idle, busy, down)
	}
}

func TestJobStateCounts(t *testing.T) {
	running, pending := JobStateCounts([]string{"RUNNING", "PENDING", "COMPLETED", "R", "PD"})
	if running != 2 || pending != 2 {
		t.Fatalf("got running=%d pending=%d", running, pending)
	}
}
