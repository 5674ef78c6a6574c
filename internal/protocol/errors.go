package protocol

import "errors"

// decode failures. any of these means the byte stream can not be trusted
// anymore and the connection it came from must be dropped.
var (
	ErrMalformedHeader   = errors.New("protocol: malformed header")
	ErrMalformedWord     = errors.New("protocol: malformed word")
	ErrWordCountMismatch = errors.New("protocol: word count mismatch")
	ErrSizeMismatch      = errors.New("protocol: size mismatch")
)

var (
	// ErrShortWord means that the declared word length runs past the end of
	// the buffer. DecodeWord returns it together with ErrMalformedWord; inside
	// of a complete frame it turns into ErrWordCountMismatch.
	ErrShortWord = errors.New("protocol: short word")

	// ErrInvalidWord is returned by the encoding side for empty or non-ascii
	// words. nothing is written when a packet contains one.
	ErrInvalidWord = errors.New("protocol: invalid word")

	ErrPacketTooLarge = errors.New("protocol: packet too large")
)
