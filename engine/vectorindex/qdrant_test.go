package vectorindex

import "testing"

func TestPointUUIDDeterministic(t *testing.T) {
	a := pointUUID("run_abc123")
	b := pointUUID("run_abc123")
	if a != b {
		t.Fatalf("pointUUID not deterministic: %s != %s", a, b)
	}
	if pointUUID("run_abc123") == pointUUID("run_xyz789") {
		t.Fatal("distinct domain ids collided")
	}
}
