// Package devicetree decodes the flattened device tree exposed by the kernel
// as a directory hierarchy: property classification, cell decoding, phandle
// resolution and GPIO / pin-control specifier rendering.
package devicetree

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
)

// CellSize is the width in bytes of one device-tree cell.
const CellSize = 4

// CellDecoder turns a 4-byte aligned buffer into big-endian 32-bit cells.
// Implementations must agree numerically on every aligned input.
type CellDecoder interface {
	Name() string
	Decode(b []byte) ([]uint32, error)
}

// DefaultDecoders is the priority order used by DecodeCells.
var DefaultDecoders = []CellDecoder{
	WordDecoder{},
	ByteDecoder{},
	HexDecoder{},
}

// DecodeCells decodes b using DefaultDecoders.
func DecodeCells(b []byte) []uint32 {
	return DecodeCellsWith(DefaultDecoders, b)
}

// DecodeCellsWith decodes b into cells, trying decoders in order until one
// succeeds. A buffer whose length is not a multiple of CellSize is returned
// one value per byte. It never fails; if every decoder errors the byte-wise
// form is returned.
func DecodeCellsWith(decoders []CellDecoder, b []byte) []uint32 {
	if len(b) == 0 {
		return []uint32{}
	}
	if len(b)%CellSize != 0 {
		return byteValues(b)
	}
	for _, d := range decoders {
		cells, err := d.Decode(b)
		if err == nil {
			return cells
		}
	}
	return byteValues(b)
}

func byteValues(b []byte) []uint32 {
	out := make([]uint32, len(b))
	for i, c := range b {
		out[i] = uint32(c)
	}
	return out
}

func checkAligned(b []byte) error {
	if len(b)%CellSize != 0 {
		return fmt.Errorf("length %d is not a multiple of %d", len(b), CellSize)
	}
	return nil
}

// WordDecoder reads whole 32-bit words with encoding/binary.
type WordDecoder struct{}

func (WordDecoder) Name() string { return "word" }

func (WordDecoder) Decode(b []byte) ([]uint32, error) {
	if err := checkAligned(b); err != nil {
		return nil, err
	}
	cells := make([]uint32, 0, len(b)/CellSize)
	for i := 0; i < len(b); i += CellSize {
		cells = append(cells, binary.BigEndian.Uint32(b[i:i+CellSize]))
	}
	return cells, nil
}

// ByteDecoder assembles each cell from its four bytes, most significant first.
type ByteDecoder struct{}

func (ByteDecoder) Name() string { return "byte" }

func (ByteDecoder) Decode(b []byte) ([]uint32, error) {
	if err := checkAligned(b); err != nil {
		return nil, err
	}
	cells := make([]uint32, 0, len(b)/CellSize)
	var v uint32
	for i, c := range b {
		v = v<<8 | uint32(c)
		if i%CellSize == CellSize-1 {
			cells = append(cells, v)
			v = 0
		}
	}
	return cells, nil
}

// HexDecoder hex-dumps the whole buffer and parses it back eight digits at
// a time.
type HexDecoder struct{}

func (HexDecoder) Name() string { return "hex" }

func (HexDecoder) Decode(b []byte) ([]uint32, error) {
	if err := checkAligned(b); err != nil {
		return nil, err
	}
	dump := hex.EncodeToString(b)
	const digits = CellSize * 2
	cells := make([]uint32, 0, len(b)/CellSize)
	for i := 0; i < len(dump); i += digits {
		v, err := strconv.ParseUint(dump[i:i+digits], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("parse cell %q: %w", dump[i:i+digits], err)
		}
		cells = append(cells, uint32(v))
	}
	return cells, nil
}
