package datasets

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// WritePredCSV writes predictions in the competition's scoring format: one
// row per agent-timestamp, with columns
//
//	timestamp,track_id,coord_x00,coord_y00,coord_x01,coord_y01,...
//
// Each coords entry holds the flattened future offsets [x0,y0,x1,y1,...] and
// all rows must have the same length. The parent directory is created if
// missing.
func WritePredCSV(path string, timestamps, trackIDs []int64, coords [][]float32) error {
	if len(timestamps) != len(trackIDs) || len(timestamps) != len(coords) {
		return fmt.Errorf("length mismatch: timestamps=%d track_ids=%d coords=%d",
			len(timestamps), len(trackIDs), len(coords))
	}
	if len(coords) == 0 {
		return fmt.Errorf("no predictions to write")
	}
	steps2 := len(coords[0])
	if steps2 == 0 || steps2%2 != 0 {
		return fmt.Errorf("coords rows must hold x,y pairs, got length %d", steps2)
	}
	for i, row := range coords {
		if len(row) != steps2 {
			return fmt.Errorf("ragged coords: row %d has %d values, expected %d", i, len(row), steps2)
		}
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)

	header := make([]string, 0, 2+steps2)
	header = append(header, "timestamp", "track_id")
	for t := 0; t < steps2/2; t++ {
		header = append(header, fmt.Sprintf("coord_x%02d", t), fmt.Sprintf("coord_y%02d", t))
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	record := make([]string, 2+steps2)
	for i := range timestamps {
		record[0] = strconv.FormatInt(timestamps[i], 10)
		record[1] = strconv.FormatInt(trackIDs[i], 10)
		for j, v := range coords[i] {
			record[2+j] = strconv.FormatFloat(float64(v), 'g', -1, 32)
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return nil
}
