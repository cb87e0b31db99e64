package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// AgentMask selects which agent state rows of a chunked store become
// examples. The on-disk format is a one-column CSV with header "mask" and
// one 0/1 row per state row of the store, in global row order.
type AgentMask struct {
	flags []bool
	count int
}

// LoadAgentMask reads a mask CSV.
func LoadAgentMask(path string) (*AgentMask, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mask %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read mask header: %w", err)
	}
	if len(header) != 1 || normalizeColumn(header[0]) != "mask" {
		return nil, fmt.Errorf("mask %s: expected single \"mask\" column, got %v", path, header)
	}

	m := &AgentMask{}
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read mask row %d: %w", row, err)
		}
		switch record[0] {
		case "0":
			m.flags = append(m.flags, false)
		case "1":
			m.flags = append(m.flags, true)
			m.count++
		default:
			return nil, fmt.Errorf("mask row %d: expected 0 or 1, got %q", row, record[0])
		}
		row++
	}
	if len(m.flags) == 0 {
		return nil, fmt.Errorf("mask %s has no rows", path)
	}
	return m, nil
}

// Len returns the number of flags (one per store row).
func (m *AgentMask) Len() int { return len(m.flags) }

// Count returns how many rows are selected.
func (m *AgentMask) Count() int { return m.count }

// Selected reports whether the store row at the global index is selected.
func (m *AgentMask) Selected(globalIdx int) bool {
	if globalIdx < 0 || globalIdx >= len(m.flags) {
		return false
	}
	return m.flags[globalIdx]
}
