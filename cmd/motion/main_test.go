package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPlotLossCurve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss.png")
	if err := plotLossCurve(path, []float64{1.0, 0.5, 0.25, 0.2}); err != nil {
		t.Fatalf("plotLossCurve error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat plot: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("plot file is empty")
	}
}

func TestPlotLossCurveNoLosses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss.png")
	if err := plotLossCurve(path, nil); err != nil {
		t.Fatalf("plotLossCurve error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no file for an empty loss history, stat err = %v", err)
	}
}
