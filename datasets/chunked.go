package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// requiredColumns are the chunk file columns every store must provide.
var requiredColumns = []string{
	"scene_id", "frame_id", "timestamp", "track_id",
	"x", "y", "yaw", "extent_x", "extent_y",
}

type frameKey struct {
	sceneID int
	frameID int
}

type trackKey struct {
	sceneID int
	trackID int64
	frameID int
}

// ChunkedDataset is a lazily-indexed view over a scene store directory of
// numbered CSV chunk files (agents_*.csv). Construction only globs the
// chunks and counts their rows; Open scans them once to index rows by
// (scene, frame) and by track.
type ChunkedDataset struct {
	// Dir is the store directory.
	Dir string

	// Chunk file paths in glob order.
	chunkPaths []string

	// Column indices discovered from the first chunk.
	colIndex map[string]int

	// Row count per chunk and cumulative counts for global index mapping.
	rowCounts map[int]int
	cumCounts []int
	totalRows int

	opened    bool
	frameRows map[frameKey][]int
	trackRows map[trackKey]int

	// Optional whole-chunk cache for training workloads that revisit the
	// same frames every epoch.
	cacheEnabled bool
	cacheMu      sync.Mutex
	cache        map[int][]AgentState
}

// NewChunkedDataset globs the chunk files under dir and builds the row
// index. The store stays unopened; call Open before frame or track lookups.
func NewChunkedDataset(dir string) (*ChunkedDataset, error) {
	pattern := filepath.Join(dir, "agents_*.csv")
	chunkPaths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
	}
	if len(chunkPaths) == 0 {
		return nil, fmt.Errorf("no chunk files found matching pattern: %s", pattern)
	}

	d := &ChunkedDataset{
		Dir:        dir,
		chunkPaths: chunkPaths,
		rowCounts:  make(map[int]int),
		cache:      make(map[int][]AgentState),
	}

	if err := d.initializeColumns(); err != nil {
		return nil, err
	}
	if err := d.buildIndex(); err != nil {
		return nil, err
	}
	return d, nil
}

// initializeColumns reads the first chunk header to determine column indices.
func (d *ChunkedDataset) initializeColumns() error {
	file, err := os.Open(d.chunkPaths[0])
	if err != nil {
		return fmt.Errorf("failed to open first chunk %s: %w", d.chunkPaths[0], err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}

	d.colIndex = make(map[string]int)
	for i, col := range header {
		d.colIndex[normalizeColumn(col)] = i
	}

	for _, col := range requiredColumns {
		if _, ok := d.colIndex[col]; !ok {
			return fmt.Errorf("required column %q not found in chunk header", col)
		}
	}
	return nil
}

// buildIndex counts rows in all chunks and builds cumulative counts.
func (d *ChunkedDataset) buildIndex() error {
	d.cumCounts = make([]int, len(d.chunkPaths)+1)
	d.cumCounts[0] = 0

	for i, path := range d.chunkPaths {
		count, err := countCSVRows(path)
		if err != nil {
			return fmt.Errorf("failed to count rows in %s: %w", path, err)
		}
		d.rowCounts[i] = count
		d.cumCounts[i+1] = d.cumCounts[i] + count
	}

	d.totalRows = d.cumCounts[len(d.chunkPaths)]
	return nil
}

// NumRows returns the total number of agent state rows across all chunks.
func (d *ChunkedDataset) NumRows() int {
	return d.totalRows
}

// Opened reports whether the frame and track indexes have been built.
func (d *ChunkedDataset) Opened() bool {
	return d.opened
}

// SetCacheEnabled toggles the in-memory chunk cache. Enabling it trades
// memory for much faster repeated frame lookups.
func (d *ChunkedDataset) SetCacheEnabled(enabled bool) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.cacheEnabled = enabled
	if !enabled {
		d.cache = make(map[int][]AgentState)
	}
}

// Open scans every chunk once and indexes rows by (scene, frame) and by
// (scene, track, frame). It is idempotent and returns the dataset for
// chaining.
func (d *ChunkedDataset) Open() (*ChunkedDataset, error) {
	if d.opened {
		return d, nil
	}

	d.frameRows = make(map[frameKey][]int)
	d.trackRows = make(map[trackKey]int)

	for chunkIdx, path := range d.chunkPaths {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open chunk %s: %w", path, err)
		}
		reader := csv.NewReader(file)
		if _, err := reader.Read(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
		}

		rowIdx := 0
		for {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to read row in %s: %w", path, err)
			}

			sceneID, err := parseInt(record[d.colIndex["scene_id"]])
			if err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to parse scene_id in %s row %d: %w", path, rowIdx, err)
			}
			frameID, err := parseInt(record[d.colIndex["frame_id"]])
			if err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to parse frame_id in %s row %d: %w", path, rowIdx, err)
			}
			trackID, err := parseInt64(record[d.colIndex["track_id"]])
			if err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to parse track_id in %s row %d: %w", path, rowIdx, err)
			}

			global := d.cumCounts[chunkIdx] + rowIdx
			fk := frameKey{sceneID: sceneID, frameID: frameID}
			d.frameRows[fk] = append(d.frameRows[fk], global)
			tk := trackKey{sceneID: sceneID, trackID: trackID, frameID: frameID}
			if prev, dup := d.trackRows[tk]; dup {
				file.Close()
				return nil, fmt.Errorf("duplicate state for track %d at scene %d frame %d (rows %d and %d)",
					trackID, sceneID, frameID, prev, global)
			}
			d.trackRows[tk] = global

			rowIdx++
		}
		file.Close()
	}

	d.opened = true
	return d, nil
}

// mapGlobalIndex maps a global row index to (chunk index, row within chunk).
func (d *ChunkedDataset) mapGlobalIndex(globalIdx int) (chunkIdx, localIdx int) {
	for i := range d.chunkPaths {
		if globalIdx < d.cumCounts[i+1] {
			return i, globalIdx - d.cumCounts[i]
		}
	}
	return len(d.chunkPaths) - 1, d.rowCounts[len(d.chunkPaths)-1] - 1
}

// parseState converts a CSV record into an AgentState.
func (d *ChunkedDataset) parseState(record []string) (AgentState, error) {
	var s AgentState
	var err error
	if s.SceneID, err = parseInt(record[d.colIndex["scene_id"]]); err != nil {
		return s, fmt.Errorf("failed to parse scene_id: %w", err)
	}
	if s.FrameID, err = parseInt(record[d.colIndex["frame_id"]]); err != nil {
		return s, fmt.Errorf("failed to parse frame_id: %w", err)
	}
	if s.Timestamp, err = parseInt64(record[d.colIndex["timestamp"]]); err != nil {
		return s, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	if s.TrackID, err = parseInt64(record[d.colIndex["track_id"]]); err != nil {
		return s, fmt.Errorf("failed to parse track_id: %w", err)
	}
	for _, f := range []struct {
		name string
		dst  *float32
	}{
		{"x", &s.X}, {"y", &s.Y}, {"yaw", &s.Yaw},
		{"extent_x", &s.ExtentX}, {"extent_y", &s.ExtentY},
	} {
		v, err := parseFloat32(record[d.colIndex[f.name]])
		if err != nil {
			return s, fmt.Errorf("failed to parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return s, nil
}

// ReadStates reads the states at the given global row indices, preserving
// order. Indices are grouped by chunk so each chunk file is scanned at most
// once per call.
func (d *ChunkedDataset) ReadStates(globals []int) ([]AgentState, error) {
	out := make([]AgentState, len(globals))

	byChunk := make(map[int][]chunkPick)
	for pos, g := range globals {
		if g < 0 || g >= d.totalRows {
			return nil, fmt.Errorf("row index %d out of range [0, %d)", g, d.totalRows)
		}
		chunkIdx, localIdx := d.mapGlobalIndex(g)
		byChunk[chunkIdx] = append(byChunk[chunkIdx], chunkPick{local: localIdx, pos: pos})
	}

	for chunkIdx, picks := range byChunk {
		if d.cacheOn() {
			states, err := d.loadChunk(chunkIdx)
			if err != nil {
				return nil, err
			}
			for _, p := range picks {
				out[p.pos] = states[p.local]
			}
			continue
		}
		if err := d.readPicksFromChunk(chunkIdx, picks, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *ChunkedDataset) cacheOn() bool {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return d.cacheEnabled
}

// loadChunk parses a whole chunk into memory, caching the result.
func (d *ChunkedDataset) loadChunk(chunkIdx int) ([]AgentState, error) {
	d.cacheMu.Lock()
	if states, ok := d.cache[chunkIdx]; ok {
		d.cacheMu.Unlock()
		return states, nil
	}
	d.cacheMu.Unlock()

	path := d.chunkPaths[chunkIdx]
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	states := make([]AgentState, 0, d.rowCounts[chunkIdx])
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row in %s: %w", path, err)
		}
		s, err := d.parseState(record)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", path, err)
		}
		states = append(states, s)
	}

	d.cacheMu.Lock()
	d.cache[chunkIdx] = states
	d.cacheMu.Unlock()
	return states, nil
}

// chunkPick pairs a row within a chunk with its position in the output.
type chunkPick struct{ local, pos int }

// readPicksFromChunk scans one chunk file and fills the requested rows.
func (d *ChunkedDataset) readPicksFromChunk(chunkIdx int, picks []chunkPick, out []AgentState) error {
	path := d.chunkPaths[chunkIdx]
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open chunk %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	localMap := make(map[int][]int)
	for _, p := range picks {
		localMap[p.local] = append(localMap[p.local], p.pos)
	}

	remaining := len(picks)
	rowIdx := 0
	for remaining > 0 {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read row in %s: %w", path, err)
		}
		if positions, ok := localMap[rowIdx]; ok {
			s, err := d.parseState(record)
			if err != nil {
				return fmt.Errorf("chunk %s row %d: %w", path, rowIdx, err)
			}
			for _, pos := range positions {
				out[pos] = s
			}
			remaining -= len(positions)
		}
		rowIdx++
	}
	if remaining > 0 {
		return fmt.Errorf("chunk %s ended with %d requested rows unread", path, remaining)
	}
	return nil
}

// State reads a single state by global row index.
func (d *ChunkedDataset) State(globalIdx int) (AgentState, error) {
	states, err := d.ReadStates([]int{globalIdx})
	if err != nil {
		return AgentState{}, err
	}
	return states[0], nil
}

// FrameStates returns all agent states observed at (sceneID, frameID).
// Frames with no observations return an empty slice.
func (d *ChunkedDataset) FrameStates(sceneID, frameID int) ([]AgentState, error) {
	if !d.opened {
		return nil, fmt.Errorf("dataset not opened: call Open first")
	}
	rows, ok := d.frameRows[frameKey{sceneID: sceneID, frameID: frameID}]
	if !ok {
		return nil, nil
	}
	return d.ReadStates(rows)
}

// TrackStateAt returns the state of a track at one frame, with ok=false
// when the track was not observed there.
func (d *ChunkedDataset) TrackStateAt(sceneID int, trackID int64, frameID int) (AgentState, bool, error) {
	if !d.opened {
		return AgentState{}, false, fmt.Errorf("dataset not opened: call Open first")
	}
	global, ok := d.trackRows[trackKey{sceneID: sceneID, trackID: trackID, frameID: frameID}]
	if !ok {
		return AgentState{}, false, nil
	}
	s, err := d.State(global)
	if err != nil {
		return AgentState{}, false, err
	}
	return s, true, nil
}
