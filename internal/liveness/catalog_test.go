package liveness

import "testing"

func TestDefaultCatalogCoversDirectionalMovements(t *testing.T) {
	c := DefaultCatalog()
	if c.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", c.Len())
	}

	seen := map[Movement]bool{}
	for i := 0; i < 1000; i++ {
		ch := c.PickRandom()
		seen[ch.ExpectedMovement] = true
	}
	for _, m := range []Movement{MovementTiltUp, MovementTiltDown, MovementRotateLeft, MovementRotateRight} {
		if !seen[m] {
			t.Fatalf("movement %q never selected over 1000 draws", m)
		}
	}
	if seen[MovementSteady] {
		t.Fatalf("steady must not appear in the default catalog")
	}
}

func TestPickRandomStaysInsideCatalog(t *testing.T) {
	c := DefaultCatalog()
	for i := 0; i < 500; i++ {
		ch := c.PickRandom()
		if !c.Contains(ch.ID) {
			t.Fatalf("PickRandom() returned id %q not in catalog", ch.ID)
		}
		if ch.Instruction == "" {
			t.Fatalf("challenge %q has empty instruction", ch.ID)
		}
	}
}

func TestNewCatalogCopiesInput(t *testing.T) {
	in := []Challenge{{ID: "steady-check", Instruction: "Hold still", ExpectedMovement: MovementSteady}}
	c := NewCatalog(in)
	in[0].ID = "mutated"

	if !c.Contains("steady-check") {
		t.Fatalf("catalog lost challenge after caller mutated input slice")
	}
	if c.Contains("mutated") {
		t.Fatalf("catalog reflects caller mutation")
	}
}

func TestNewCatalogRejectsEmptySet(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("NewCatalog(nil) did not panic")
		}
	}()
	NewCatalog(nil)
}
