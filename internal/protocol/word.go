package protocol

import (
	"fmt"
	"unicode"

	"github.com/blukai/vurcon/internal/byteorder"
)

// a word is laid out as
//
//	[length uint32 le][length bytes of ascii][0x00]
//
// where length does not include the terminator.
const wordOverhead = 4 + 1

// WordSize is the number of bytes word occupies on the wire.
func WordSize(word string) int {
	return wordOverhead + len(word)
}

// ValidateWord reports whether word can be put on the wire.
func ValidateWord(word string) error {
	if word == "" {
		return fmt.Errorf("%w: empty", ErrInvalidWord)
	}
	for i := 0; i < len(word); i++ {
		if word[i] > unicode.MaxASCII {
			return fmt.Errorf("%w: non-ascii byte 0x%02x at %d", ErrInvalidWord, word[i], i)
		}
	}
	return nil
}

func EncodeWord(word string) ([]byte, error) {
	if err := ValidateWord(word); err != nil {
		return nil, err
	}
	return appendWord(make([]byte, 0, WordSize(word)), word), nil
}

// appendWord does not validate, callers must have done it already.
func appendWord(dst []byte, word string) []byte {
	var length [4]byte
	byteorder.PutHtolel(length[:], uint32(len(word)))

	dst = append(dst, length[:]...)
	dst = append(dst, word...)
	dst = append(dst, 0)
	return dst
}

// DecodeWord decodes the word at the start of data and returns it together
// with the number of bytes it occupied.
func DecodeWord(data []byte) (string, int, error) {
	if len(data) < 4 {
		return "", 0, fmt.Errorf("%w: %w", ErrMalformedWord, ErrShortWord)
	}

	length := uint64(byteorder.Letohl(data[0:4]))
	if length+wordOverhead > uint64(len(data)) {
		return "", 0, fmt.Errorf("%w: %w: declared %d bytes; have %d", ErrMalformedWord, ErrShortWord, length, len(data)-wordOverhead)
	}

	end := 4 + int(length)
	if data[end] != 0 {
		return "", 0, fmt.Errorf("%w: missing terminator (got 0x%02x)", ErrMalformedWord, data[end])
	}

	return string(data[4:end]), end + 1, nil
}
