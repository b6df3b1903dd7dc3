// Package limits provides centralized frame and payload size limits for the
// hub mesh wire protocol.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxStringLength is the largest length-prefixed string on the wire.
	// Strings carry a 2-byte length prefix.
	MaxStringLength = 65535

	// MaxVirtualFragment is the largest payload carried by one virtual
	// circuit data frame. Larger writes are split.
	MaxVirtualFragment = 32 * 1024

	// DefaultCredit is the number of unacknowledged bytes a virtual circuit
	// sender may have outstanding.
	DefaultCredit = 64 * 1024

	// MaxBlobCount bounds the number of blobs in one module message.
	MaxBlobCount = 64

	// MaxListLength bounds the number of strings in one INFO reply or
	// gossip entry list.
	MaxListLength = 65536

	// MaxProcessingBuffer is the absolute maximum for any single blob read
	// from the network (1MB).
	MaxProcessingBuffer = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty payload was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a payload exceeds its limit
	ErrMessageTooLarge = errors.New("message too large")

	// ErrTooManyElements indicates a list or blob array exceeds its limit
	ErrTooManyElements = errors.New("too many elements")
)

// ValidateLength validates a length read from a frame header. Zero is a
// legal length.
func ValidateLength(n, maxSize int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative length %d", ErrMessageTooLarge, n)
	}
	if n > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, n, maxSize)
	}
	return nil
}

// ValidateCount validates an element count read from a frame header.
func ValidateCount(n, maxCount int) error {
	if n < 0 || n > maxCount {
		return fmt.Errorf("%w: count %d, limit %d", ErrTooManyElements, n, maxCount)
	}
	return nil
}

// ValidateVirtualFragment validates one virtual circuit data fragment.
func ValidateVirtualFragment(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxVirtualFragment {
		return fmt.Errorf("%w: fragment size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxVirtualFragment)
	}
	return nil
}
