package flows

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidIMSI is returned for identities that cannot be encoded.
var ErrInvalidIMSI = errors.New("invalid IMSI")

const (
	minIMSIDigits = 5
	maxIMSIDigits = 15

	// maxLeadingZeros is what the two low bits of the encoding can count.
	maxLeadingZeros = 3
)

// EncodeIMSI packs an IMSI into the 64-bit metadata register. The digits
// are stored shifted left by two; the low two bits hold the number of
// leading zeros so the identity can be printed back. Identities with more
// than three leading zeros would collide with shorter ones and are
// rejected, as are identities of fewer than five digits. The encoding is
// never zero, which rule matches treat as "any subscriber".
// An optional "IMSI" prefix is accepted.
func EncodeIMSI(imsi string) (uint64, error) {
	digits := strings.TrimPrefix(imsi, "IMSI")
	if len(digits) < minIMSIDigits || len(digits) > maxIMSIDigits {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIMSI, imsi)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidIMSI, imsi)
		}
	}

	v, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidIMSI, imsi, err)
	}
	leadingZeros := len(digits) - len(strings.TrimLeft(digits, "0"))
	if leadingZeros > maxLeadingZeros {
		return 0, fmt.Errorf("%w: %q has more than %d leading zeros", ErrInvalidIMSI, imsi, maxLeadingZeros)
	}
	return v<<2 | uint64(leadingZeros), nil
}

// DecodeIMSI reverses EncodeIMSI, returning the digits without prefix.
func DecodeIMSI(encoded uint64) string {
	zeros := int(encoded & 0x3)
	return strings.Repeat("0", zeros) + strconv.FormatUint(encoded>>2, 10)
}
