// Package snapshot implements the atomicity primitives shared by all three
// services' snapshot stores (spec.md §3, §4.2-§4.4, §9): write payload
// files plus metadata.json into a temporary directory, fsync everything,
// drop a zero-byte COMPLETE sentinel, fsync that too, then atomically
// rename the temp directory into place and repoint the `latest` symlink
// with a second atomic rename. A directory without COMPLETE is never
// legitimate, regardless of how far the rename got.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"exchange-core/internal/wal"
	"exchange-core/internal/walerr"
)

// FileInfo describes one payload file inside a snapshot directory.
type FileInfo struct {
	Name        string `json:"name"`
	SizeBytes   int64  `json:"size_bytes"`
	ChecksumHex string `json:"checksum_hex"`
}

// Metadata is the required content of metadata.json (spec.md §6). Unknown
// fields are ignored on read for forward compatibility; any of the named
// fields missing makes the snapshot unusable.
type Metadata struct {
	Service       string     `json:"service"`
	SchemaVersion int        `json:"schema_version"`
	WALCursor     wal.Cursor `json:"wal_cursor"`
	CreatedAt     time.Time  `json:"created_at"`
	Files         []FileInfo `json:"files"`
}

// Builder accumulates payload files for one snapshot attempt in a temporary
// directory before Finalize makes it durable and visible.
type Builder struct {
	snapshotsDir string
	tmpDir       string
	files        []FileInfo
}

// Begin creates a fresh temporary directory under snapshotsDir. The
// temporary name carries a uuid rather than a timestamp so two snapshot
// attempts racing within the same clock tick never collide.
func Begin(snapshotsDir string) (*Builder, error) {
	if err := os.MkdirAll(snapshotsDir, 0o755); err != nil {
		return nil, walerr.NewIoError("mkdir snapshots dir", err)
	}
	tmp := filepath.Join(snapshotsDir, ".tmp-"+uuid.New().String())
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, walerr.NewIoError("mkdir snapshot tmp dir", err)
	}
	return &Builder{snapshotsDir: snapshotsDir, tmpDir: tmp}, nil
}

// WriteFile writes data as name inside the temp directory, fsyncs it, and
// records its size and SHA-256 checksum for metadata.json.
func (b *Builder) WriteFile(name string, data []byte) error {
	path := filepath.Join(b.tmpDir, name)
	f, err := os.Create(path)
	if err != nil {
		return walerr.NewIoError("create snapshot payload file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return walerr.NewIoError("write snapshot payload file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return walerr.NewIoError("fsync snapshot payload file", err)
	}
	if err := f.Close(); err != nil {
		return walerr.NewIoError("close snapshot payload file", err)
	}

	sum := sha256.Sum256(data)
	b.files = append(b.files, FileInfo{
		Name:        name,
		SizeBytes:   int64(len(data)),
		ChecksumHex: hex.EncodeToString(sum[:]),
	})
	return nil
}

// Finalize writes metadata.json, fsyncs it, drops COMPLETE, fsyncs that,
// renames the temp directory to snapshot-<cursor.SeqID>, and repoints
// `latest`. If any step fails before COMPLETE is fsynced, the temp
// directory is left behind (harmless — it is never considered by Latest)
// and the previous `latest` is untouched.
func (b *Builder) Finalize(service string, schemaVersion int, cursor wal.Cursor) (string, error) {
	meta := Metadata{
		Service:       service,
		SchemaVersion: schemaVersion,
		WALCursor:     cursor,
		CreatedAt:     time.Now().UTC(),
		Files:         b.files,
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot metadata: %w", err)
	}
	metaPath := filepath.Join(b.tmpDir, "metadata.json")
	if err := os.WriteFile(metaPath, metaBytes, 0o644); err != nil {
		return "", walerr.NewIoError("write metadata.json", err)
	}
	if f, err := os.Open(metaPath); err == nil {
		_ = f.Sync()
		f.Close()
	}

	completePath := filepath.Join(b.tmpDir, "COMPLETE")
	cf, err := os.Create(completePath)
	if err != nil {
		return "", walerr.NewIoError("create COMPLETE marker", err)
	}
	if err := cf.Sync(); err != nil {
		cf.Close()
		return "", walerr.NewIoError("fsync COMPLETE marker", err)
	}
	if err := cf.Close(); err != nil {
		return "", walerr.NewIoError("close COMPLETE marker", err)
	}

	finalName := fmt.Sprintf("snapshot-%d", cursor.SeqID)
	finalPath := filepath.Join(b.snapshotsDir, finalName)
	if err := os.Rename(b.tmpDir, finalPath); err != nil {
		return "", walerr.NewIoError("rename snapshot dir into place", err)
	}

	if err := repointLatest(b.snapshotsDir, finalName); err != nil {
		return "", err
	}

	return finalName, nil
}

// repointLatest atomically swaps the `latest` symlink to point at name,
// via create-then-rename so a crash mid-update leaves either the old or
// the new link, never a half-written one.
func repointLatest(snapshotsDir, name string) error {
	linkPath := filepath.Join(snapshotsDir, "latest")
	stagePath := linkPath + ".next"

	_ = os.Remove(stagePath)
	if err := os.Symlink(name, stagePath); err != nil {
		return walerr.NewIoError("create staging latest symlink", err)
	}
	if err := os.Rename(stagePath, linkPath); err != nil {
		return walerr.NewIoError("rename latest symlink into place", err)
	}
	return nil
}

// Abandon removes a builder's temp directory without finalizing it. Used
// when an in-progress snapshot attempt is abandoned after an error.
func (b *Builder) Abandon() {
	if b == nil || b.tmpDir == "" {
		return
	}
	_ = os.RemoveAll(b.tmpDir)
}

// Latest resolves snapshotsDir/latest to a snapshot directory whose
// COMPLETE marker is present. A missing link, a broken link, or a link
// whose target lacks COMPLETE are all treated as "no snapshot" — the spec's
// IncompleteSnapshot kind is silently absorbed here, never surfaced as an
// error.
func Latest(snapshotsDir string) (dir string, meta Metadata, ok bool) {
	linkPath := filepath.Join(snapshotsDir, "latest")
	target, err := os.Readlink(linkPath)
	if err != nil {
		return "", Metadata{}, false
	}

	full := target
	if !filepath.IsAbs(full) {
		full = filepath.Join(snapshotsDir, target)
	}

	if _, err := os.Stat(filepath.Join(full, "COMPLETE")); err != nil {
		return "", Metadata{}, false
	}

	m, err := ReadMetadata(full)
	if err != nil {
		return "", Metadata{}, false
	}

	return full, m, true
}

// ReadMetadata loads and validates metadata.json inside dir. Missing
// required fields make the snapshot unusable, per spec.md §6.
func ReadMetadata(dir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return Metadata{}, walerr.NewIoError("read metadata.json", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata.json: %w", err)
	}
	if m.Service == "" {
		return Metadata{}, fmt.Errorf("metadata.json missing required field: service")
	}
	if m.SchemaVersion == 0 {
		return Metadata{}, fmt.Errorf("metadata.json missing required field: schema_version")
	}
	if m.CreatedAt.IsZero() {
		return Metadata{}, fmt.Errorf("metadata.json missing required field: created_at")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata.json: %w", err)
	}
	for _, field := range []string{"wal_cursor", "files"} {
		if _, ok := raw[field]; !ok {
			return Metadata{}, fmt.Errorf("metadata.json missing required field: %s", field)
		}
	}
	return m, nil
}

// Prune keeps the keep snapshot directories with the highest seq (parsed
// from the "snapshot-<seq>" name, whether or not they carry COMPLETE), plus
// the one `latest` resolves to, and removes the others. Retention is recommended, not mandated, by spec.md §3; callers that
// never prune are still spec-compliant.
func Prune(snapshotsDir string, keep int) error {
	entries, err := os.ReadDir(snapshotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return walerr.NewIoError("list snapshots dir", err)
	}

	type candidate struct {
		name string
		seq  uint64
	}
	var all []candidate
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "snapshot-") {
			continue
		}
		seqStr := strings.TrimPrefix(e.Name(), "snapshot-")
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			continue
		}
		all = append(all, candidate{name: e.Name(), seq: seq})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })

	latestDir, _, ok := Latest(snapshotsDir)
	latestBase := filepath.Base(latestDir)

	for i, c := range all {
		if i < keep {
			continue
		}
		if ok && c.name == latestBase {
			continue
		}
		_ = os.RemoveAll(filepath.Join(snapshotsDir, c.name))
	}
	return nil
}
