// Package segment maps hex nibbles onto seven-segment display patterns.
package segment

import "strings"

// Pattern bits, one per segment.  The decimal point is never part of a table entry; callers OR it
// in when the corresponding status line is asserted.
const (
	A byte = 1 << iota
	B
	C
	D
	E
	F
	G
	DecimalPoint
)

// Digits holds the segment pattern for each nibble value.  b, c and d are lower case so that they
// can't be mistaken for 8, 0 and a blank-looking C.
var Digits = [16]byte{
	//.GFEDCBA
	0b00111111, // 0
	0b00000110, // 1
	0b01011011, // 2
	0b01001111, // 3
	0b01100110, // 4
	0b01101101, // 5
	0b01111101, // 6
	0b00000111, // 7
	0b01111111, // 8
	0b01101111, // 9
	0b01110111, // A
	0b01111100, // b
	0b01011000, // c
	0b01011110, // d
	0b01111001, // E
	0b01110001, // F
}

// Encode returns the pattern for the low 4 bits of n.
func Encode(n byte) byte {
	return Digits[n&0x0f]
}

// Segments lists the lit segments of p by letter, with "P" for the decimal point.
func Segments(p byte) string {
	var b strings.Builder
	for i, name := range "ABCDEFGP" {
		if p&(1<<i) != 0 {
			b.WriteRune(name)
		}
	}
	return b.String()
}

// Glyph draws p as three lines of ASCII art:
//
//	 _
//	|_|
//	|_|.
func Glyph(p byte) []string {
	lit := func(seg byte, s string) string {
		if p&seg != 0 {
			return s
		}
		return " "
	}
	return []string{
		" " + lit(A, "_") + "  ",
		lit(F, "|") + lit(G, "_") + lit(B, "|") + " ",
		lit(E, "|") + lit(D, "_") + lit(C, "|") + lit(DecimalPoint, "."),
	}
}
