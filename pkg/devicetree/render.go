package devicetree

import (
	"fmt"
	"strings"
)

// RenderProperty returns the report lines for one property value. The first
// line starts with "<name>: "; multi-entry specifier lists continue on
// indented lines.
func RenderProperty(name string, raw []byte, idx *PhandleIndex) []string {
	switch v := classifyProperty(name, raw).(type) {
	case Text:
		return []string{name + ": " + strings.Join(v.Strings, ", ")}
	case EmptyOrOpaque:
		return []string{fmt.Sprintf("%s: (binary, no printable content, %d bytes)", name, v.Size)}
	case CellBinary:
		switch {
		case isGPIOProperty(name):
			specs := DecodeGPIOs(v.Cells)
			lines := make([]string, len(specs))
			for i, s := range specs {
				lines[i] = s.Format(idx)
			}
			return entryLines(name, lines)
		case isPinctrlProperty(name):
			specs := DecodePinctrls(v.Cells)
			lines := make([]string, len(specs))
			for i, s := range specs {
				lines[i] = s.Format(idx)
			}
			return entryLines(name, lines)
		default:
			return []string{name + ": " + FormatCells(v.Cells)}
		}
	}
	return []string{name + ": (unrecognised value)"}
}

// classifyProperty is Classify, except that properties which are cell
// arrays by definition are decoded as cells whenever their length is
// aligned. Short cell values such as 0x41000000 or all-zero cells would
// otherwise read as text or as empty.
func classifyProperty(name string, raw []byte) Value {
	if isCellProperty(name) && len(raw) > 0 && len(raw)%CellSize == 0 {
		return CellBinary{Cells: DecodeCells(raw), Raw: raw}
	}
	return Classify(raw)
}

func entryLines(name string, entries []string) []string {
	switch len(entries) {
	case 0:
		return []string{name + ": (no entries)"}
	case 1:
		return []string{name + ": " + entries[0]}
	}
	lines := make([]string, 0, len(entries)+1)
	lines = append(lines, name+":")
	for i, e := range entries {
		lines = append(lines, fmt.Sprintf("  [%d] %s", i, e))
	}
	return lines
}

// FormatCells renders cells the way dtc prints them: <0x0 0x1f>.
func FormatCells(cells []uint32) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = fmt.Sprintf("0x%x", c)
	}
	return "<" + strings.Join(parts, " ") + ">"
}

func isCellProperty(name string) bool {
	return name == "reg" || name == PropPhandle || name == PropLinuxPhandle ||
		isGPIOProperty(name) || isPinctrlProperty(name)
}

func isGPIOProperty(name string) bool {
	return name == "gpios" || strings.HasSuffix(name, "-gpios") || strings.HasSuffix(name, "-gpio")
}

func isPinctrlProperty(name string) bool {
	rest, ok := strings.CutPrefix(name, "pinctrl-")
	if !ok || rest == "" {
		return false
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
