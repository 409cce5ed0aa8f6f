package pack

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"custodia/canonical"
	"custodia/objectstore"
)

// Archive entries carry a fixed timestamp so re-exporting the same pack
// produces byte-identical bytes.
var archiveTimestamp = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Exporter writes finalized pack archives to the object store.
type Exporter struct {
	repo  Repository
	store objectstore.Store
}

// NewExporter creates a pack exporter.
func NewExporter(repo Repository, store objectstore.Store) *Exporter {
	return &Exporter{repo: repo, store: store}
}

// Export writes a deterministic archive (pack.json plus a manifest) for the
// pack and uploads it. The returned locator and both hashes are the only
// contract with the caller.
func (e *Exporter) Export(ctx context.Context, packID string) (ExportResult, error) {
	rec, err := e.repo.Get(ctx, packID)
	if err != nil {
		return ExportResult{}, err
	}

	manifest := map[string]any{
		"pack_id":           rec.ID,
		"dispute_id":        rec.DisputeID,
		"pack_type":         string(rec.PackType),
		"pack_version":      rec.PackVersion,
		"pack_sha256":       rec.PackSHA256,
		"algorithm_version": AlgorithmVersion,
	}
	manifestBytes, err := canonical.Canonicalize(manifest)
	if err != nil {
		return ExportResult{}, fmt.Errorf("pack: render manifest: %w", err)
	}

	archive, err := writeDeterministicArchive(map[string][]byte{
		"pack.json":     rec.PackJSON,
		"manifest.json": manifestBytes,
	})
	if err != nil {
		return ExportResult{}, err
	}

	loc, err := e.store.Put(ctx, archive)
	if err != nil {
		return ExportResult{}, fmt.Errorf("pack: upload archive: %w", err)
	}

	return ExportResult{
		Locator:            string(loc),
		PackSHA256:         rec.PackSHA256,
		VerificationSHA256: canonical.Digest(archive),
	}, nil
}

// writeDeterministicArchive zips the entries sorted by path with fixed
// metadata so identical content always produces identical bytes.
func writeDeterministicArchive(entries map[string][]byte) ([]byte, error) {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, p := range paths {
		header := &zip.FileHeader{
			Name:     p,
			Method:   zip.Deflate,
			Modified: archiveTimestamp,
		}
		header.SetMode(0o644)

		f, err := w.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("pack: archive entry %s: %w", p, err)
		}
		if _, err := f.Write(entries[p]); err != nil {
			return nil, fmt.Errorf("pack: write entry %s: %w", p, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("pack: close archive: %w", err)
	}
	return buf.Bytes(), nil
}
