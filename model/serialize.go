package model

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// checkpointVersion is incremented when the on-disk checkpoint format
// changes.
const checkpointVersion = 1

// checkpointFormat is the gob payload: model parameters plus the Adam
// moment buffers so a warm start resumes exactly where training stopped.
type checkpointFormat struct {
	Version int

	Epoch int
	Step  int

	Architecture string
	InChannels   int
	Height       int
	Width        int
	OutDim       int

	Params [][]float32

	AdamStep int
	AdamM    [][]float32
	AdamV    [][]float32

	CreatedAt int64
}

// SaveCheckpoint writes the model and optimizer state to path using
// encoding/gob. It performs an atomic write (create temp file then rename).
// opt may be nil or an *SGD, in which case no optimizer state is stored.
func SaveCheckpoint(path string, m *Model, opt Optimizer, epoch, step int) error {
	if path == "" {
		return fmt.Errorf("empty checkpoint path")
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	ck := checkpointFormat{
		Version:      checkpointVersion,
		Epoch:        epoch,
		Step:         step,
		Architecture: m.Config.Architecture,
		InChannels:   m.Config.InChannels,
		Height:       m.Config.Height,
		Width:        m.Config.Width,
		OutDim:       m.Config.OutDim,
		Params:       m.ParamSlices(),
		CreatedAt:    time.Now().Unix(),
	}
	if adam, ok := opt.(*Adam); ok && adam.m != nil {
		ck.AdamStep = adam.step
		ck.AdamM = adam.m
		ck.AdamV = adam.v
	}

	enc := gob.NewEncoder(tmpFile)
	if err := enc.Encode(&ck); err != nil {
		return fmt.Errorf("encode checkpoint to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp checkpoint file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp checkpoint to target: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint into the model (and, when opt is an
// *Adam and the checkpoint holds moments, into the optimizer). It validates
// the format version and that the stored shapes match the model.
func LoadCheckpoint(path string, m *Model, opt Optimizer) (epoch, step int, err error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	defer fh.Close()

	dec := gob.NewDecoder(fh)
	var ck checkpointFormat
	if err := dec.Decode(&ck); err != nil {
		return 0, 0, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}

	if ck.Version != checkpointVersion {
		return 0, 0, fmt.Errorf("checkpoint version mismatch: file=%d expected=%d", ck.Version, checkpointVersion)
	}
	if ck.Architecture != m.Config.Architecture {
		return 0, 0, fmt.Errorf("checkpoint architecture mismatch: file=%q model=%q", ck.Architecture, m.Config.Architecture)
	}
	if ck.InChannels != m.Config.InChannels || ck.Height != m.Config.Height ||
		ck.Width != m.Config.Width || ck.OutDim != m.Config.OutDim {
		return 0, 0, fmt.Errorf("checkpoint shape mismatch: file=(%d,%dx%d,%d) model=(%d,%dx%d,%d)",
			ck.InChannels, ck.Width, ck.Height, ck.OutDim,
			m.Config.InChannels, m.Config.Width, m.Config.Height, m.Config.OutDim)
	}

	params := m.ParamSlices()
	if len(ck.Params) != len(params) {
		return 0, 0, fmt.Errorf("checkpoint parameter group count mismatch: file=%d model=%d", len(ck.Params), len(params))
	}
	for i := range params {
		if len(ck.Params[i]) != len(params[i]) {
			return 0, 0, fmt.Errorf("checkpoint parameter group %d size mismatch: file=%d model=%d",
				i, len(ck.Params[i]), len(params[i]))
		}
	}
	for i := range params {
		copy(params[i], ck.Params[i])
	}

	if adam, ok := opt.(*Adam); ok && ck.AdamM != nil {
		if len(ck.AdamM) != len(params) || len(ck.AdamV) != len(params) {
			return 0, 0, fmt.Errorf("checkpoint optimizer state group count mismatch")
		}
		adam.step = ck.AdamStep
		adam.m = ck.AdamM
		adam.v = ck.AdamV
	}

	return ck.Epoch, ck.Step, nil
}
