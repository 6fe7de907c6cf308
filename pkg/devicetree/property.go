package devicetree

import (
	"bytes"
)

// Value is the classification of a raw property buffer. It is one of Text,
// EmptyOrOpaque or CellBinary.
type Value interface {
	isValue()
}

// Text is a printable string or NUL-separated string list.
type Text struct {
	Strings []string
}

// EmptyOrOpaque is a property that exists but carries nothing printable
// once trailing NULs are removed. Size is the raw length.
type EmptyOrOpaque struct {
	Size int
}

// CellBinary is a property with non-printable content, decoded to cells.
type CellBinary struct {
	Cells []uint32
	Raw   []byte
}

func (Text) isValue()          {}
func (EmptyOrOpaque) isValue() {}
func (CellBinary) isValue()    {}

// Classify decides how a raw property value should be read. Trailing NULs
// are stripped; what remains is Text when every byte is printable ASCII or
// newline, with single NULs accepted between strings of a string list.
// Nothing left is EmptyOrOpaque; anything else is CellBinary.
func Classify(raw []byte) Value {
	trimmed := bytes.TrimRight(raw, "\x00")
	if len(trimmed) == 0 {
		return EmptyOrOpaque{Size: len(raw)}
	}

	parts := bytes.Split(trimmed, []byte{0})
	strs := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) == 0 || !printable(p) {
			return CellBinary{Cells: DecodeCells(raw), Raw: raw}
		}
		strs = append(strs, string(p))
	}
	return Text{Strings: strs}
}

func printable(b []byte) bool {
	for _, c := range b {
		if c == '\n' {
			continue
		}
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
