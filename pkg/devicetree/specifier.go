package devicetree

import (
	"fmt"
	"strconv"
)

// GPIO specifier layout: <&controller pin flags>.
const gpioCells = 3

// gpioActiveLow is bit 0 of the flags cell (GPIO_ACTIVE_LOW).
const gpioActiveLow = 1

// GPIOSpecifier is one decoded entry of a *-gpios property. A trailing
// partial entry leaves HasPin and/or HasFlags false.
type GPIOSpecifier struct {
	Controller uint32
	Pin        uint32
	Flags      uint32
	HasPin     bool
	HasFlags   bool
}

// DecodeGPIOs groups cells in threes. A final group with fewer than three
// cells is kept with its missing fields unknown.
func DecodeGPIOs(cells []uint32) []GPIOSpecifier {
	specs := make([]GPIOSpecifier, 0, (len(cells)+gpioCells-1)/gpioCells)
	for i := 0; i < len(cells); i += gpioCells {
		s := GPIOSpecifier{Controller: cells[i]}
		if i+1 < len(cells) {
			s.Pin, s.HasPin = cells[i+1], true
		}
		if i+2 < len(cells) {
			s.Flags, s.HasFlags = cells[i+2], true
		}
		specs = append(specs, s)
	}
	return specs
}

// Format renders the specifier with its controller resolved through idx.
func (s GPIOSpecifier) Format(idx *PhandleIndex) string {
	pin, flags := "?", "?"
	if s.HasPin {
		pin = strconv.FormatUint(uint64(s.Pin), 10)
	}
	if s.HasFlags {
		flags = strconv.FormatUint(uint64(s.Flags), 10)
		if s.Flags&gpioActiveLow != 0 {
			flags += " (active-low)"
		}
	}
	return fmt.Sprintf("controller: %s, pin: %s, flags: %s", FormatPhandle(s.Controller, idx), pin, flags)
}

// PinctrlSpecifier is one decoded entry of a pinctrl-N property.
type PinctrlSpecifier struct {
	Group    uint32
	Index    uint32
	HasIndex bool
}

// DecodePinctrls reads a group phandle and then, whenever another cell
// remains, takes it as that group's index. This is a heuristic: without the
// referenced controller's cell count a two-phandle list and a
// phandle-plus-index pair look the same.
func DecodePinctrls(cells []uint32) []PinctrlSpecifier {
	specs := make([]PinctrlSpecifier, 0, (len(cells)+1)/2)
	for i := 0; i < len(cells); i += 2 {
		s := PinctrlSpecifier{Group: cells[i]}
		if i+1 < len(cells) {
			s.Index, s.HasIndex = cells[i+1], true
		}
		specs = append(specs, s)
	}
	return specs
}

// Format renders the specifier with its group resolved through idx.
func (s PinctrlSpecifier) Format(idx *PhandleIndex) string {
	out := "group: " + FormatPhandle(s.Group, idx)
	if s.HasIndex {
		out += ", index: " + strconv.FormatUint(uint64(s.Index), 10)
	}
	return out
}

// FormatPhandle renders a phandle reference as "<path> (ph:<v>)", or
// "(phandle:<v> not resolved)" when idx has no such node.
func FormatPhandle(v uint32, idx *PhandleIndex) string {
	if p, ok := idx.Resolve(v); ok {
		return fmt.Sprintf("%s (ph:%d)", p, v)
	}
	return fmt.Sprintf("(phandle:%d not resolved)", v)
}
