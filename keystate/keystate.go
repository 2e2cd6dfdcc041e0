// Package keystate implements the key-state manager, an encrypted-build
// component gated at runtime rather than at compile time (see DESIGN.md).
// It validates that the embedded symmetric key is non-zero and exposes the
// one-shot, irreversible zeroing operation that couples an unencrypted
// write to key invalidation.
package keystate

import (
	"errors"
	"fmt"
)

// State is the lifecycle of the in-flash cipher key.
type State uint8

const (
	Valid State = iota
	Invalid
)

// ErrReadKey wraps any error returned by a Keys implementation's ReadKey,
// so callers can use errors.Is to distinguish a storage failure from a
// validly-read invalid key.
var ErrReadKey = errors.New("keystate: read key failed")

// Keys is the flash-resident key capability: a read-only view for
// validation and a one-shot, idempotent zeroing operation. Implementations
// must make ZeroKey safe to call when the key is already zero (flash can
// only clear bits, so zeroing is always feasible and is a no-op on an
// already-zero word).
type Keys interface {
	ReadKey() ([16]byte, error)
	ZeroKey() error
}

// Validate scans the key and reports State. The key is VALID iff any byte
// is non-zero.
func Validate(k Keys) (State, error) {
	key, err := k.ReadKey()
	if err != nil {
		return Invalid, fmt.Errorf("%w: %v", ErrReadKey, err)
	}
	for _, b := range key {
		if b != 0 {
			return Valid, nil
		}
	}
	return Invalid, nil
}

// Zero zeroes the key, leaving the key state permanently Invalid. It is
// idempotent: zeroing an already-zero key succeeds without error.
func Zero(k Keys) error {
	return k.ZeroKey()
}
