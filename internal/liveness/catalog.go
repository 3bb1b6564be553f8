package liveness

import "math/rand"

// Catalog is a fixed, immutable set of challenges. Selection is uniform and
// keeps no memory of previous picks, within or across sessions.
type Catalog struct {
	challenges []Challenge
}

// NewCatalog copies the given challenges into an immutable catalog.
// It panics on an empty set: a flow without challenges is a wiring bug.
func NewCatalog(challenges []Challenge) *Catalog {
	if len(challenges) == 0 {
		panic("liveness: catalog must contain at least one challenge")
	}
	out := make([]Challenge, len(challenges))
	copy(out, challenges)
	return &Catalog{challenges: out}
}

// DefaultCatalog returns the stock set covering the four directional
// movements. The steady movement stays out of the default set.
func DefaultCatalog() *Catalog {
	return NewCatalog([]Challenge{
		{ID: "tilt-up", Instruction: "Slowly tilt your head up", ExpectedMovement: MovementTiltUp},
		{ID: "tilt-down", Instruction: "Slowly tilt your head down", ExpectedMovement: MovementTiltDown},
		{ID: "rotate-left", Instruction: "Slowly turn your head to the left", ExpectedMovement: MovementRotateLeft},
		{ID: "rotate-right", Instruction: "Slowly turn your head to the right", ExpectedMovement: MovementRotateRight},
	})
}

// PickRandom returns one challenge uniformly at random.
func (c *Catalog) PickRandom() Challenge {
	return c.challenges[rand.Intn(len(c.challenges))]
}

// Len returns the number of challenges in the catalog.
func (c *Catalog) Len() int { return len(c.challenges) }

// Contains reports whether the catalog holds a challenge with the given id.
func (c *Catalog) Contains(id string) bool {
	for _, ch := range c.challenges {
		if ch.ID == id {
			return true
		}
	}
	return false
}
