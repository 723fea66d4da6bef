package stability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStabilityScenario(t *testing.T) {
	d := New(3, 0.001, 0.050, 0.010)

	for _, m := range []float64{0.049, 0.0495, 0.0497} {
		stable, _ := d.Observe(m)
		assert.False(t, stable, "mass %v below min_mass_kg should not be stable", m)
	}

	var lastStable bool
	var lastReported float64
	for _, m := range []float64{0.0500, 0.0501, 0.0500} {
		lastStable, lastReported = d.Observe(m)
	}
	assert.True(t, lastStable)
	assert.Equal(t, 0.0500, lastReported)
}

// TestStabilityRequiresWholeWindowAboveMinMass reproduces the scenario
// where only the newest sample clears min_mass_kg: window
// [0.049, 0.0495, 0.0497] plus a new 0.0500 becomes
// [0.0495, 0.0497, 0.0500], which still contains sub-threshold samples
// and so must not be reported stable even though the new sample and the
// window's range both pass their own checks.
func TestStabilityRequiresWholeWindowAboveMinMass(t *testing.T) {
	d := New(3, 0.001, 0.050, 0.010)

	for _, m := range []float64{0.049, 0.0495, 0.0497} {
		stable, _ := d.Observe(m)
		assert.False(t, stable)
	}

	stable, _ := d.Observe(0.0500)
	assert.False(t, stable, "window still holds samples below min_mass_kg")

	stable, _ = d.Observe(0.0501)
	assert.False(t, stable, "window still holds one sample below min_mass_kg")

	stable, _ = d.Observe(0.0500)
	assert.True(t, stable, "window is now entirely at or above min_mass_kg")

	stable, _ = d.Observe(0.005)
	assert.False(t, stable, "below unlock_mass_kg must clear the window")

	var lastStable bool
	for _, m := range []float64{0.0500, 0.0501, 0.0500} {
		lastStable, _ = d.Observe(m)
	}
	assert.True(t, lastStable, "three fresh stable readings after unlock must re-assert stability")
}

func TestStabilityNotStableUntilWindowFull(t *testing.T) {
	d := New(3, 0.001, 0.01, 0.001)
	stable, _ := d.Observe(0.05)
	assert.False(t, stable)
	stable, _ = d.Observe(0.05)
	assert.False(t, stable)
}

func TestStabilityRangeExceedsTolerance(t *testing.T) {
	d := New(2, 0.001, 0.01, 0.001)
	d.Observe(0.050)
	stable, _ := d.Observe(0.060)
	assert.False(t, stable)
}
