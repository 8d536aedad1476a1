// Package archive exports feature documents to a YAML or JSON file and
// imports them back into any docstore.Store.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/model"
)

// FormatVersion is written into every archive.
const FormatVersion = 1

// Format selects the encoding of an archive file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from the file extension; anything that
// is not .json is YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Document is one exported document.
type Document struct {
	Ref     docstore.Ref  `json:"ref" yaml:"ref"`
	Version int64         `json:"version" yaml:"version"`
	Data    docstore.Data `json:"data" yaml:"data"`
}

// Archive is the file layout.
type Archive struct {
	FormatVersion int        `json:"format_version" yaml:"format_version"`
	ExportedAt    time.Time  `json:"exported_at" yaml:"exported_at"`
	Documents     []Document `json:"documents" yaml:"documents"`
}

// FeatureRefs are the fixed feature documents. Memo pads are discovered
// through docstore.Lister when the store supports it.
var FeatureRefs = []docstore.Ref{model.BoardRef, model.RoutineRef, model.HaruRef}

// Export reads refs (FeatureRefs plus every memo pad when refs is empty).
// Missing documents are left out.
func Export(ctx context.Context, store docstore.Store, refs []docstore.Ref) (*Archive, error) {
	if len(refs) == 0 {
		refs = append(refs, FeatureRefs...)
		if lister, ok := store.(docstore.Lister); ok {
			memos, err := lister.List(ctx, model.MemoCollection)
			if err != nil {
				return nil, fmt.Errorf("failed to list memos: %w", err)
			}
			refs = append(refs, memos...)
		}
	}

	a := &Archive{FormatVersion: FormatVersion, ExportedAt: time.Now().UTC()}
	for _, ref := range refs {
		snap, err := store.Get(ctx, ref)
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", ref, err)
		}
		a.Documents = append(a.Documents, Document{Ref: ref, Version: snap.Version, Data: snap.Data})
	}
	return a, nil
}

// ImportOptions controls Import.
type ImportOptions struct {
	DryRun bool // Validate without writing
	Merge  bool // Overlay fields instead of replacing documents
}

// ImportResult reports what Import did.
type ImportResult struct {
	Written int
	Skipped int
	Errors  []string
}

// Import writes every document of a into store. A document that fails is
// recorded in the result and does not stop the others.
func Import(ctx context.Context, store docstore.Store, a *Archive, opts ImportOptions) (*ImportResult, error) {
	if a == nil {
		return nil, errors.New("nil archive")
	}
	if a.FormatVersion > FormatVersion {
		return nil, fmt.Errorf("archive format %d is newer than supported format %d", a.FormatVersion, FormatVersion)
	}

	result := &ImportResult{}
	for _, doc := range a.Documents {
		if err := doc.Ref.Validate(); err != nil {
			result.Errors = append(result.Errors, err.Error())
			result.Skipped++
			continue
		}
		if opts.DryRun {
			result.Skipped++
			continue
		}

		var writeOpts []docstore.WriteOption
		if opts.Merge {
			writeOpts = append(writeOpts, docstore.Merge())
		}
		if _, err := store.Set(ctx, doc.Ref, doc.Data, writeOpts...); err != nil {
			if errors.Is(err, docstore.ErrClosed) || ctx.Err() != nil {
				return result, err
			}
			result.Errors = append(result.Errors, fmt.Sprintf("failed to write %s: %v", doc.Ref, err))
			result.Skipped++
			continue
		}
		result.Written++
	}
	return result, nil
}

// Encode writes a to w.
func Encode(w io.Writer, a *Archive, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	case FormatYAML, "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(a); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown archive format %q", format)
	}
}

// Decode reads an archive from r.
func Decode(r io.Reader, format Format) (*Archive, error) {
	var a Archive
	switch format {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&a); err != nil {
			return nil, fmt.Errorf("invalid JSON archive: %w", err)
		}
	case FormatYAML, "":
		if err := yaml.NewDecoder(r).Decode(&a); err != nil {
			return nil, fmt.Errorf("invalid YAML archive: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown archive format %q", format)
	}
	return &a, nil
}

// WriteFile encodes a into path, replacing it atomically.
func WriteFile(path string, a *Archive) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := Encode(f, a, FormatFromPath(path)); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to encode archive: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ReadFile decodes the archive at path.
func ReadFile(path string) (*Archive, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	return Decode(f, FormatFromPath(path))
}
