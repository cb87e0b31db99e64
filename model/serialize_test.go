package model

import (
	"math/rand"
	"path/filepath"
	"testing"
)

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := tinyConfig()
	m, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	// Take a few optimizer steps so there is non-trivial state to save.
	rng := rand.New(rand.NewSource(10))
	inputs, targets, avails := randomBatch(rng, cfg, 4)
	opt := NewAdam(1e-3, 0.9, 0.999, 1e-8, 5.0)
	for step := 0; step < 3; step++ {
		m.ZeroGrad()
		if _, err := m.BatchGradients(inputs, targets, avails); err != nil {
			t.Fatalf("BatchGradients error: %v", err)
		}
		opt.Step(m.ParamSlices(), m.GradSlices())
	}

	path := filepath.Join(t.TempDir(), "ckpt", "motion_0_3.ckpt")
	if err := SaveCheckpoint(path, m, opt, 2, 3); err != nil {
		t.Fatalf("SaveCheckpoint error: %v", err)
	}

	restored, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	restoredOpt := NewAdam(1e-3, 0.9, 0.999, 1e-8, 5.0)
	epoch, step, err := LoadCheckpoint(path, restored, restoredOpt)
	if err != nil {
		t.Fatalf("LoadCheckpoint error: %v", err)
	}
	if epoch != 2 || step != 3 {
		t.Fatalf("restored epoch/step = %d/%d, want 2/3", epoch, step)
	}

	orig := m.ParamSlices()
	got := restored.ParamSlices()
	for g := range orig {
		for i := range orig[g] {
			if orig[g][i] != got[g][i] {
				t.Fatalf("restored parameter differs at group %d index %d", g, i)
			}
		}
	}
	if restoredOpt.step != opt.step {
		t.Fatalf("restored adam step = %d, want %d", restoredOpt.step, opt.step)
	}
	for g := range opt.m {
		for i := range opt.m[g] {
			if restoredOpt.m[g][i] != opt.m[g][i] || restoredOpt.v[g][i] != opt.v[g][i] {
				t.Fatalf("restored adam moments differ at group %d index %d", g, i)
			}
		}
	}

	// Restored model and optimizer continue training identically.
	for step := 0; step < 2; step++ {
		m.ZeroGrad()
		restored.ZeroGrad()
		if _, err := m.BatchGradients(inputs, targets, avails); err != nil {
			t.Fatalf("BatchGradients error: %v", err)
		}
		if _, err := restored.BatchGradients(inputs, targets, avails); err != nil {
			t.Fatalf("BatchGradients error: %v", err)
		}
		opt.Step(m.ParamSlices(), m.GradSlices())
		restoredOpt.Step(restored.ParamSlices(), restored.GradSlices())
	}
	for g := range orig {
		for i := range orig[g] {
			if orig[g][i] != got[g][i] {
				t.Fatalf("restored training diverged at group %d index %d", g, i)
			}
		}
	}
}

func TestCheckpointShapeMismatch(t *testing.T) {
	cfg := tinyConfig()
	m, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ckpt.gob")
	if err := SaveCheckpoint(path, m, nil, 0, 0); err != nil {
		t.Fatalf("SaveCheckpoint error: %v", err)
	}

	other := cfg
	other.OutDim = 8
	wrong, err := Build(other)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if _, _, err := LoadCheckpoint(path, wrong, nil); err == nil {
		t.Fatalf("expected shape mismatch error")
	}

	if _, _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "missing.gob"), m, nil); err == nil {
		t.Fatalf("expected error for missing checkpoint")
	}
}
