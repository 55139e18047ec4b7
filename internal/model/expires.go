package model

import (
	"errors"
	"fmt"
)

// ErrIntervalTooBrief is matched by *IntervalTooBriefError via errors.Is.
var ErrIntervalTooBrief = errors.New("interval too brief")

// IntervalTooBriefError reports a requested expiry below the configured
// minimum. Min is advertised back to the client in Min-Expires.
type IntervalTooBriefError struct {
	Requested int
	Min       int
}

func (e *IntervalTooBriefError) Error() string {
	return fmt.Sprintf("expires %d below minimum %d", e.Requested, e.Min)
}

// Is makes errors.Is(err, ErrIntervalTooBrief) work.
func (e *IntervalTooBriefError) Is(target error) bool {
	return target == ErrIntervalTooBrief
}

// ExpiresPolicy bounds the expiry, in seconds, granted to a request.
type ExpiresPolicy struct {
	Default int `toml:"default" json:"default"`
	Min     int `toml:"min" json:"min"`
	Max     int `toml:"max" json:"max"`
}

// Resolve applies the policy to a requested expiry. An absent value yields
// Default. Zero passes through untouched since it means "remove". Values
// below Min fail with *IntervalTooBriefError; values above Max are clamped.
func (p ExpiresPolicy) Resolve(requested int, present bool) (int, error) {
	if !present {
		return p.Default, nil
	}
	if requested == 0 {
		return 0, nil
	}
	if requested < 0 || requested < p.Min {
		return 0, &IntervalTooBriefError{Requested: requested, Min: p.Min}
	}
	if p.Max > 0 && requested > p.Max {
		return p.Max, nil
	}
	return requested, nil
}

// Validate checks the policy is internally consistent.
func (p ExpiresPolicy) Validate() error {
	switch {
	case p.Min < 0:
		return fmt.Errorf("min must not be negative, got %d", p.Min)
	case p.Default < 1:
		return fmt.Errorf("default must be at least 1, got %d", p.Default)
	case p.Max > 0 && p.Max < p.Min:
		return fmt.Errorf("max %d is below min %d", p.Max, p.Min)
	case p.Default < p.Min:
		return fmt.Errorf("default %d is below min %d", p.Default, p.Min)
	case p.Max > 0 && p.Default > p.Max:
		return fmt.Errorf("default %d is above max %d", p.Default, p.Max)
	}
	return nil
}
