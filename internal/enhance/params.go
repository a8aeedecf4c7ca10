package enhance

import (
	"fmt"
	"math"
)

const (
	MinDenoiseStrength = 5
	MaxDenoiseStrength = 30

	MinContrastStrength  = 1.0
	MaxContrastStrength  = 4.0
	ContrastStrengthStep = 0.1

	DefaultDenoiseStrength  = 15
	DefaultContrastStrength = 2.0
)

// Parameters are the two user-tunable knobs of the enhancement chain.
type Parameters struct {
	DenoiseStrength  int
	ContrastStrength float64
}

// DefaultParameters mirrors the defaults offered to users.
func DefaultParameters() Parameters {
	return Parameters{
		DenoiseStrength:  DefaultDenoiseStrength,
		ContrastStrength: DefaultContrastStrength,
	}
}

// Validate rejects out-of-range values. Values are never clamped.
func (p Parameters) Validate() error {
	if p.DenoiseStrength < MinDenoiseStrength || p.DenoiseStrength > MaxDenoiseStrength {
		return fmt.Errorf("denoise strength must be between %d and %d, got %d",
			MinDenoiseStrength, MaxDenoiseStrength, p.DenoiseStrength)
	}
	c := p.ContrastStrength
	if math.IsNaN(c) || c < MinContrastStrength || c > MaxContrastStrength {
		return fmt.Errorf("contrast strength must be between %.1f and %.1f, got %v",
			MinContrastStrength, MaxContrastStrength, c)
	}
	if steps := c / ContrastStrengthStep; math.Abs(steps-math.Round(steps)) > 1e-6 {
		return fmt.Errorf("contrast strength must be a multiple of %.1f, got %v", ContrastStrengthStep, c)
	}
	return nil
}
