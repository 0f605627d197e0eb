// Package field encodes and decodes Aleo literal values: field elements,
// sized unsigned integers, and visibility-tagged record values. The string
// to field encoding is the deterministic content hash both sides of a job
// agreement recompute to match off-chain text against on-chain commitments.
package field

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Modulus is the BLS12-377 scalar field modulus. Every field literal the
// program accepts is a decimal numeral below this value.
var Modulus, _ = new(big.Int).SetString(
	"8444461749428370424248824938781546531375899335154063827935233455917409239041", 10)

// MicroPerCredit converts between display units and the micro units every
// on-chain amount is denominated in.
const MicroPerCredit = 1_000_000

var thirtyOne = big.NewInt(31)

// Encode maps text to a field literal via a base-31 polynomial hash over the
// UTF-16 code units of the input, reduced mod Modulus. Deterministic and
// unsalted: the counterpart recomputes the same literal from the same text.
func Encode(text string) string {
	h := new(big.Int)
	cu := new(big.Int)
	for _, u := range utf16.Encode([]rune(text)) {
		h.Mul(h, thirtyOne)
		h.Add(h, cu.SetInt64(int64(u)))
		h.Mod(h, Modulus)
	}
	return h.String() + "field"
}

// Random returns a uniformly random field literal from a cryptographically
// secure source. Used as single-use salts and commitment preimages; it is
// not linkable to any Encode output.
func Random() (string, error) {
	// 31 bytes = 248 bits, safely under the ~253-bit modulus before reduction.
	buf := make([]byte, 31)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("field: read randomness: %w", err)
	}
	n := new(big.Int).SetBytes(buf)
	n.Mod(n, Modulus)
	return n.String() + "field", nil
}

// U8, U64 and U128 render unsigned integer literals.
func U8(v uint8) string    { return strconv.FormatUint(uint64(v), 10) + "u8" }
func U64(v uint64) string  { return strconv.FormatUint(v, 10) + "u64" }
func U128(v uint64) string { return strconv.FormatUint(v, 10) + "u128" }

var (
	uintSuffix   = regexp.MustCompile(`u(?:8|32|64|128)$`)
	fieldLiteral = regexp.MustCompile(`^\d+field$`)
)

// StripVisibility removes a trailing .private or .public visibility tag.
func StripVisibility(v string) string {
	v = strings.TrimSuffix(v, ".private")
	v = strings.TrimSuffix(v, ".public")
	return v
}

// ParseUint parses a sized unsigned integer literal such as "500000u64" or
// "1_000u128.private". Underscore group separators are tolerated.
func ParseUint(v string) (uint64, bool) {
	v = StripVisibility(strings.TrimSpace(v))
	loc := uintSuffix.FindStringIndex(v)
	if loc == nil {
		return 0, false
	}
	digits := strings.ReplaceAll(v[:loc[0]], "_", "")
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseFieldLiteral validates and returns a "<digits>field" literal with any
// visibility tag removed. Returns false when v is not a field literal.
func ParseFieldLiteral(v string) (string, bool) {
	v = StripVisibility(strings.TrimSpace(v))
	if !fieldLiteral.MatchString(v) {
		return "", false
	}
	return v, true
}

// DecodeValue lowers a raw record value for display and comparison: sized
// integers become their numeric text, visibility tags are stripped, field
// literals and unrecognized suffixes pass through unchanged.
func DecodeValue(v string) string {
	stripped := StripVisibility(strings.TrimSpace(v))
	if loc := uintSuffix.FindStringIndex(stripped); loc != nil {
		digits := strings.ReplaceAll(stripped[:loc[0]], "_", "")
		if _, err := strconv.ParseUint(digits, 10, 64); err == nil {
			return digits
		}
	}
	return stripped
}

// ToMicro converts a display amount to micro units.
func ToMicro(display float64) uint64 {
	return uint64(display*MicroPerCredit + 0.5)
}

// FromMicro converts micro units back to a display amount.
func FromMicro(micro uint64) float64 {
	return float64(micro) / MicroPerCredit
}
