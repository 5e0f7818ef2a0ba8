package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/memory"
	"engram/internal/qdrant"

	"go.uber.org/zap"
)

const (
	manifestName = "manifest.json"
	// backupSchemaVersion is the payload schema the dump was taken under.
	// Restore only accepts manifests of the same schema.
	backupSchemaVersion = "2.0.6"
	backupPageSize      = 256
	restoreBatchSize    = 100
)

// Manifest describes one backup directory. Restore verifies it against the
// snapshot files before touching the store.
type Manifest struct {
	CreatedAt     string           `json:"created_at"`
	SchemaVersion string           `json:"schema_version"`
	Collections   map[string]int64 `json:"collections"`
	IncludesLogs  bool             `json:"includes_logs,omitempty"`
}

// Backup dumps every collection (points, payloads, vectors) into dir as one
// JSON file per collection plus a manifest. With includeLogs, the activity
// and audit logs are copied alongside.
func Backup(ctx context.Context, cfg *config.Config, client *qdrant.Client, dir string, includeLogs bool) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	log := logging.L("backup")

	manifest := &Manifest{
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		SchemaVersion: backupSchemaVersion,
		Collections:   make(map[string]int64, len(memory.Collections())),
	}
	for _, coll := range memory.Collections() {
		count, err := dumpCollection(ctx, client, coll, filepath.Join(dir, coll+".json"))
		if err != nil {
			return nil, fmt.Errorf("backup %s: %w", coll, err)
		}
		manifest.Collections[coll] = count
		log.Info("collection dumped", zap.String("collection", coll), zap.Int64("points", count))
	}

	if includeLogs {
		manifest.IncludesLogs = true
		if err := copyLogs(cfg, filepath.Join(dir, "logs")); err != nil {
			return nil, fmt.Errorf("copy logs: %w", err)
		}
	}

	if err := writeJSON(filepath.Join(dir, manifestName), manifest); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return manifest, nil
}

func dumpCollection(ctx context.Context, client *qdrant.Client, coll, path string) (int64, error) {
	var points []qdrant.Point
	var offset any
	for {
		page, next, err := client.Scroll(ctx, coll, qdrant.ScrollOptions{
			Limit:       backupPageSize,
			Offset:      offset,
			WithVectors: true,
		})
		if err != nil {
			return 0, err
		}
		points = append(points, page...)
		if next == nil || len(page) == 0 {
			break
		}
		offset = next
	}
	if err := writeJSON(path, points); err != nil {
		return 0, err
	}
	return int64(len(points)), nil
}

// Restore verifies a backup directory against its manifest and replays
// every snapshot into the store in batches. Nothing is written until the
// whole backup has been read and checked.
func Restore(ctx context.Context, cfg *config.Config, client *qdrant.Client, dir string) (map[string]int, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(manifest.Collections))
	for coll := range manifest.Collections {
		names = append(names, coll)
	}
	sort.Strings(names)

	snapshots := make(map[string][]qdrant.Point, len(names))
	for _, coll := range names {
		points, err := readPoints(filepath.Join(dir, coll+".json"))
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", coll, err)
		}
		if want := manifest.Collections[coll]; int64(len(points)) != want {
			return nil, fmt.Errorf("snapshot %s: manifest lists %d points, file has %d", coll, want, len(points))
		}
		snapshots[coll] = points
	}

	log := logging.L("restore")
	restored := make(map[string]int, len(names))
	for _, coll := range names {
		points := snapshots[coll]
		if err := client.EnsureCollection(ctx, coll, cfg.Store.VectorSize); err != nil {
			return restored, fmt.Errorf("ensure %s: %w", coll, err)
		}
		for start := 0; start < len(points); start += restoreBatchSize {
			end := start + restoreBatchSize
			if end > len(points) {
				end = len(points)
			}
			if err := client.Upsert(ctx, coll, points[start:end]); err != nil {
				return restored, fmt.Errorf("restore %s: %w", coll, err)
			}
			restored[coll] = end
		}
		if len(points) == 0 {
			restored[coll] = 0
		}
		log.Info("collection restored", zap.String("collection", coll), zap.Int("points", restored[coll]))
	}
	return restored, nil
}

// ReadManifest loads and sanity-checks a backup manifest.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(manifest.Collections) == 0 {
		return nil, fmt.Errorf("manifest lists no collections")
	}
	if manifest.SchemaVersion != backupSchemaVersion {
		return nil, fmt.Errorf("backup schema %s does not match supported %s", manifest.SchemaVersion, backupSchemaVersion)
	}
	return &manifest, nil
}

func readPoints(path string) ([]qdrant.Point, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var points []qdrant.Point
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, err
	}
	return points, nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// copyLogs copies the activity and audit logs that exist. Missing logs are
// not an error; a fresh install has none.
func copyLogs(cfg *config.Config, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, src := range []string{cfg.ActivityLogFile(), cfg.AuditLogFile()} {
		if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
