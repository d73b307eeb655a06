package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMemorySize parses a byte count such as "512M", "0x20000000" or "2g".
// The number is decimal, hexadecimal with a 0x prefix, or octal with a
// leading 0. An optional K, M, G, T, P or E suffix, in either case,
// multiplies it by the matching power of 1024.
func ParseMemorySize(s string) (uint64, error) {
	s = strings.TrimSpace(s)

	base, digits := 10, s
	switch {
	case len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X"):
		base, digits = 16, s[2:]
	case len(s) > 1 && s[0] == '0':
		base, digits = 8, s[1:]
	}

	end := 0
	for end < len(digits) && isDigit(digits[end], base) {
		end++
	}
	if end == 0 {
		if base == 8 {
			// a lone "0", possibly followed by a suffix
			digits = "0" + digits
			end = 1
		} else {
			return 0, fmt.Errorf("%w: memory size %q has no digits", ErrInvalid, s)
		}
	}

	n, err := strconv.ParseUint(digits[:end], base, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: memory size %q: %v", ErrInvalid, s, err)
	}

	suffix := digits[end:]
	if suffix == "" {
		return n, nil
	}
	if len(suffix) != 1 {
		return 0, fmt.Errorf("%w: memory size %q has trailing characters", ErrInvalid, s)
	}

	shift := strings.IndexByte("KMGTPE", upper(suffix[0]))
	if shift < 0 {
		return 0, fmt.Errorf("%w: memory size %q has unknown suffix %q", ErrInvalid, s, suffix)
	}
	bits := uint(shift+1) * 10
	if n > (^uint64(0))>>bits {
		return 0, fmt.Errorf("%w: memory size %q overflows", ErrInvalid, s)
	}
	return n << bits, nil
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

func isDigit(c byte, base int) bool {
	switch base {
	case 8:
		return c >= '0' && c <= '7'
	case 16:
		return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
	default:
		return c >= '0' && c <= '9'
	}
}
