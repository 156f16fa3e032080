package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"exchange-core/internal/walerr"
)

// segmentInfo is one archived segment file, wal-<epoch>-<end_seq>.wal.
type segmentInfo struct {
	path  string
	epoch uint32
}

// listArchivedSegments returns archived segments (excluding current.wal) in
// ascending epoch order. Every service rotates its WAL after each snapshot,
// so replay visits archived segments before the live one.
func listArchivedSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, walerr.NewIoError("list wal dir", err)
	}

	var segs []segmentInfo
	for _, e := range entries {
		name := e.Name()
		if name == "current.wal" || !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".wal") {
			continue
		}
		trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "wal-"), ".wal")
		parts := strings.SplitN(trimmed, "-", 2)
		if len(parts) != 2 {
			continue
		}
		epoch, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			continue
		}
		segs = append(segs, segmentInfo{path: filepath.Join(dir, name), epoch: uint32(epoch)})
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].epoch < segs[j].epoch })
	return segs, nil
}

// ReplayDir drives fn over every record across all segments in dir (archived
// segments in epoch order, then current.wal), starting at fromSeq, with the
// same stop-on-corruption semantics as ReplayFile. It returns the highest
// (epoch, seq_id) cursor it reached, which the caller uses to compute the
// writer's resume point.
func ReplayDir(dir string, fromSeq uint64, fn StopFunc) (Cursor, error) {
	segs, err := listArchivedSegments(dir)
	if err != nil {
		return Cursor{}, err
	}

	var last Cursor
	seen := false
	wrap := func(rec Record) (bool, error) {
		last = rec.Header.Cursor()
		seen = true
		return fn(rec)
	}

	for _, s := range segs {
		if err := ReplayFile(s.path, fromSeq, wrap); err != nil {
			return last, err
		}
	}

	currentPath := filepath.Join(dir, "current.wal")
	if err := ReplayFile(currentPath, fromSeq, wrap); err != nil {
		return last, err
	}

	if !seen {
		return Cursor{SeqID: 0}, nil
	}
	return last, nil
}

// SegmentPath is exported for tests that want to construct torn-tail
// scenarios against the live segment directly.
func SegmentPath(dir string) string {
	return filepath.Join(dir, "current.wal")
}

// ArchivedSegmentName formats the archival name for a rotated segment, kept
// here so tests and the writer agree on the exact layout.
func ArchivedSegmentName(epoch uint32, endSeq uint64) string {
	return fmt.Sprintf("wal-%d-%d.wal", epoch, endSeq)
}
