package datasets

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
)

func TestWritePredCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "pred.csv")
	timestamps := []int64{1000, 1100}
	trackIDs := []int64{7, 8}
	coords := [][]float32{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
	}
	if err := WritePredCSV(path, timestamps, trackIDs, coords); err != nil {
		t.Fatalf("WritePredCSV error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open written csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read written csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("csv has %d rows, want header + 2", len(records))
	}

	wantHeader := []string{"timestamp", "track_id", "coord_x00", "coord_y00", "coord_x01", "coord_y01"}
	for i, col := range wantHeader {
		if records[0][i] != col {
			t.Fatalf("header[%d] = %q, want %q", i, records[0][i], col)
		}
	}
	if records[1][0] != "1000" || records[1][1] != "7" || records[1][2] != "1" {
		t.Fatalf("first row = %v", records[1])
	}
	if records[2][0] != "1100" || records[2][1] != "8" || records[2][5] != "8" {
		t.Fatalf("second row = %v", records[2])
	}
}

func TestWritePredCSVValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pred.csv")

	if err := WritePredCSV(path, []int64{1}, []int64{1, 2}, [][]float32{{1, 2}}); err == nil {
		t.Fatalf("expected length mismatch error")
	}
	if err := WritePredCSV(path, nil, nil, nil); err == nil {
		t.Fatalf("expected empty predictions error")
	}
	if err := WritePredCSV(path, []int64{1}, []int64{1}, [][]float32{{1, 2, 3}}); err == nil {
		t.Fatalf("expected odd coords error")
	}
	if err := WritePredCSV(path, []int64{1, 2}, []int64{1, 2}, [][]float32{{1, 2}, {1, 2, 3, 4}}); err == nil {
		t.Fatalf("expected ragged coords error")
	}
}
