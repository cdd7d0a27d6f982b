// Package codec converts typed hexadecimal text into APDU byte buffers and
// renders buffers back for display.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Error kinds returned by Encode. Use errors.Is to test for them.
var (
	ErrOddLength       = errors.New("odd number of hex digits")
	ErrInvalidHexDigit = errors.New("invalid hex digit")
)

// Error describes why a hex string could not be decoded.
type Error struct {
	Kind   error  // ErrOddLength or ErrInvalidHexDigit
	Input  string // input with whitespace removed
	Offset int    // digit offset of the bad pair in Input (ErrInvalidHexDigit only)
	Pair   string // the pair that failed to parse (ErrInvalidHexDigit only)
}

func (e *Error) Error() string {
	if e.Kind == ErrInvalidHexDigit {
		return fmt.Sprintf("%v %q at offset %d", e.Kind, e.Pair, e.Offset)
	}
	return fmt.Sprintf("%v (%d)", e.Kind, len([]rune(e.Input)))
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Encode decodes hex text into a command buffer. Whitespace anywhere in the
// text is ignored, so "00 A4 04 00" and "00A40400" are equivalent.
// Nothing is returned alongside an error.
func Encode(text string) ([]byte, error) {
	stripped := stripSpace(text)
	digits := []rune(stripped)
	if len(digits)%2 != 0 {
		return nil, &Error{Kind: ErrOddLength, Input: stripped}
	}

	buf := make([]byte, 0, len(digits)/2)
	for i := 0; i < len(digits); i += 2 {
		hi, ok1 := fromHexDigit(digits[i])
		lo, ok2 := fromHexDigit(digits[i+1])
		if !ok1 || !ok2 {
			return nil, &Error{
				Kind:   ErrInvalidHexDigit,
				Input:  stripped,
				Offset: i,
				Pair:   string(digits[i : i+2]),
			}
		}
		buf = append(buf, hi<<4|lo)
	}
	return buf, nil
}

// Format renders a buffer as "[90, 00]".
func Format(buf []byte) string {
	var sb strings.Builder
	sb.Grow(len(buf)*4 + 2)
	sb.WriteByte('[')
	for i, b := range buf {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte(upperHex[b>>4])
		sb.WriteByte(upperHex[b&0x0F])
	}
	sb.WriteByte(']')
	return sb.String()
}

// Hex renders a buffer as uppercase hex without separators.
func Hex(buf []byte) string {
	out := make([]byte, len(buf)*2)
	for i, b := range buf {
		out[i*2] = upperHex[b>>4]
		out[i*2+1] = upperHex[b&0x0F]
	}
	return string(out)
}

const upperHex = "0123456789ABCDEF"

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func fromHexDigit(r rune) (byte, bool) {
	switch {
	case '0' <= r && r <= '9':
		return byte(r - '0'), true
	case 'a' <= r && r <= 'f':
		return byte(r-'a') + 10, true
	case 'A' <= r && r <= 'F':
		return byte(r-'A') + 10, true
	}
	return 0, false
}
