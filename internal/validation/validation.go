// Package validation checks configuration and wire-adjacent values before
// they're trusted by the rest of the module, following the teacher's
// sentinel-error-plus-wrap convention.
package validation

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrInvalidAddr      = errors.New("invalid bind address")
	ErrEmptyString      = errors.New("value must not be empty")
	ErrOutOfRange       = errors.New("value out of range")
	ErrInvalidDuration  = errors.New("duration must be positive")
)

// ValidateBindAddress checks a host (no port) suitable for
// internal/transport.Bind — RGT is UDP-only (§4.9), so this accepts an
// empty host or an IP literal rather than using the teacher's
// TCP-oriented ValidateAddr; host names are not resolved.
func ValidateBindAddress(host string) error {
	if host == "" {
		return nil // empty means "any interface", a valid choice
	}
	if ip := net.ParseIP(host); ip == nil {
		return fmt.Errorf("%w: %q is not a valid IP literal", ErrInvalidAddr, host)
	}
	return nil
}

// ValidatePort checks a UDP port number, where 0 is explicitly allowed
// (§6: "port (0 = ephemeral)").
func ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: port %d not in [0,65535]", ErrOutOfRange, port)
	}
	return nil
}

// ValidateChunkSize checks that a configured chunk_size is non-zero. It
// does not compare the size against the wire format's payload ceiling.
func ValidateChunkSize(size uint32) error {
	if size == 0 {
		return fmt.Errorf("%w: chunk_size must be non-zero", ErrOutOfRange)
	}
	return nil
}

// ValidateRateBounds checks that rate_min <= initial_exposure_rate <=
// rate_max (§4.4/§6).
func ValidateRateBounds(rateMin, initial, rateMax float64) error {
	if rateMin <= 0 {
		return fmt.Errorf("%w: rate_min must be positive, got %f", ErrOutOfRange, rateMin)
	}
	if rateMax < rateMin {
		return fmt.Errorf("%w: rate_max (%f) must be >= rate_min (%f)", ErrOutOfRange, rateMax, rateMin)
	}
	if initial < rateMin || initial > rateMax {
		return fmt.Errorf("%w: initial_exposure_rate %f not in [%f,%f]", ErrOutOfRange, initial, rateMin, rateMax)
	}
	return nil
}

// ValidatePositiveDuration checks a timeout/deadline/grace config value.
func ValidatePositiveDuration(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDuration, name)
	}
	return nil
}

// ValidateStringNonEmpty checks a required free-text field.
func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

// ValidateRangeInt checks v falls within [min, max] inclusive.
func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}
