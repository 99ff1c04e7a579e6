package forwarder

import (
	"errors"
	"strings"
	"sync"
)

const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

var (
	ErrBase64Length   = errors.New("base64: length not a multiple of 4")
	ErrBase64Char     = errors.New("base64: illegal character")
	ErrBase64Overflow = errors.New("base64: output exceeds buffer")
)

var (
	decodeOnce  sync.Once
	decodeTable [256]int8
)

func buildDecodeTable() {
	for i := range decodeTable {
		decodeTable[i] = -1
	}
	for i := 0; i < len(base64Alphabet); i++ {
		decodeTable[base64Alphabet[i]] = int8(i)
	}
}

// Base64Encode encodes src with the standard alphabet and '=' padding, no
// line wrapping
func Base64Encode(src []byte) string {
	var sb strings.Builder
	sb.Grow((len(src) + 2) / 3 * 4)

	for i := 0; i < len(src); i += 3 {
		var triple uint32
		n := len(src) - i
		if n > 3 {
			n = 3
		}
		for j := 0; j < 3; j++ {
			triple <<= 8
			if j < n {
				triple |= uint32(src[i+j])
			}
		}

		sb.WriteByte(base64Alphabet[triple>>18&0x3F])
		sb.WriteByte(base64Alphabet[triple>>12&0x3F])
		if n > 1 {
			sb.WriteByte(base64Alphabet[triple>>6&0x3F])
		} else {
			sb.WriteByte('=')
		}
		if n > 2 {
			sb.WriteByte(base64Alphabet[triple&0x3F])
		} else {
			sb.WriteByte('=')
		}
	}
	return sb.String()
}

// Base64DecodedLen returns the decoded size of s, or -1 if s is malformed
func Base64DecodedLen(s string) int {
	if len(s)%4 != 0 {
		return -1
	}
	if len(s) == 0 {
		return 0
	}
	pad := 0
	if s[len(s)-1] == '=' {
		pad++
		if s[len(s)-2] == '=' {
			pad++
		}
	}
	return len(s)/4*3 - pad
}

// Base64Decode decodes s into dst and returns the number of bytes written.
// It fails without writing if the result would not fit in dst.
func Base64Decode(dst []byte, s string) (int, error) {
	decodeOnce.Do(buildDecodeTable)

	size := Base64DecodedLen(s)
	if size < 0 {
		return 0, ErrBase64Length
	}
	if size > len(dst) {
		return 0, ErrBase64Overflow
	}

	n := 0
	for i := 0; i < len(s); i += 4 {
		last := i+4 == len(s)
		var triple uint32
		for j := 0; j < 4; j++ {
			c := s[i+j]
			triple <<= 6
			if c == '=' {
				// padding only in the final quantum, and only in its last two places
				if !last || j < 2 {
					return 0, ErrBase64Char
				}
				continue
			}
			if j == 3 && s[i+2] == '=' {
				return 0, ErrBase64Char
			}
			v := decodeTable[c]
			if v < 0 {
				return 0, ErrBase64Char
			}
			triple |= uint32(v)
		}

		for k := 0; k < 3 && n < size; k++ {
			dst[n] = byte(triple >> (16 - 8*k))
			n++
		}
	}
	return n, nil
}
