// Package artifacts persists fitted model artifacts between the fit and
// evaluate stages. The store is the pipeline's checkpoint: an external
// reconciliation process runs between save and load, possibly hours later
// and in a different process, so everything evaluation needs must be on
// disk, versioned and validated on the way back in.
package artifacts

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/Noofbiz/hierCast/fitting"
)

// FormatVersion is incremented when the on-disk artifact format changes.
const FormatVersion = 1

// Store reads and writes one variant's fold artifacts under Dir.
type Store struct {
	Dir string
}

// envelope wraps one fold's artifact with enough metadata to validate the
// cell it belongs to on reload.
type envelope struct {
	Version  int
	Variant  string
	Fold     int
	Artifact fitting.Artifact
}

// manifest records what Save wrote for a variant: the fold count and the
// per-fold file names, so Load can verify completeness before decoding
// anything.
type manifest struct {
	Version   int      `json:"version"`
	Variant   string   `json:"variant"`
	Folds     int      `json:"folds"`
	Files     []string `json:"files"`
	CreatedAt int64    `json:"created_at"`
}

func (s *Store) manifestPath(variant string) string {
	return filepath.Join(s.Dir, variant+"-manifest.json")
}

func (s *Store) artifactPath(variant string, fold int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s-fold-%d.gob", variant, fold))
}

// Save serializes every fold's artifact for a variant and then writes the
// variant manifest. Each file is written atomically (temp file, then
// rename) so an interrupted save never leaves a manifest pointing at a
// truncated artifact.
func (s *Store) Save(arts []fitting.Artifact, variant string) error {
	if len(arts) == 0 {
		return fmt.Errorf("artifacts: nothing to save for variant %s", variant)
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", s.Dir, err)
	}

	m := manifest{
		Version:   FormatVersion,
		Variant:   variant,
		Folds:     len(arts),
		Files:     make([]string, len(arts)),
		CreatedAt: time.Now().Unix(),
	}
	for fold, art := range arts {
		path := s.artifactPath(variant, fold)
		env := envelope{Version: FormatVersion, Variant: variant, Fold: fold, Artifact: art}
		if err := writeGob(path, &env); err != nil {
			return fmt.Errorf("artifacts: save %s fold %d: %w", variant, fold, err)
		}
		m.Files[fold] = filepath.Base(path)
	}

	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("artifacts: encode manifest for %s: %w", variant, err)
	}
	if err := os.WriteFile(s.manifestPath(variant), data, 0644); err != nil {
		return fmt.Errorf("artifacts: write manifest for %s: %w", variant, err)
	}
	log.Printf("[serialize] %s: %d fold artifacts written to %s", variant, len(arts), s.Dir)
	return nil
}

// Load reloads a variant's fold artifacts in fold order. Reloaded
// artifacts are functionally equivalent to what Save received; fit results
// are never re-derived. A missing manifest or artifact file reports
// fs.ErrNotExist naming the variant, the usual cause being evaluation
// invoked before fitting and serialization completed.
func (s *Store) Load(variant string) ([]fitting.Artifact, error) {
	data, err := os.ReadFile(s.manifestPath(variant))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifacts: no saved artifacts for variant %s (missing %s): %w",
				variant, s.manifestPath(variant), fs.ErrNotExist)
		}
		return nil, fmt.Errorf("artifacts: read manifest for %s: %w", variant, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("artifacts: decode manifest for %s: %w", variant, err)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("artifacts: manifest version mismatch for %s: manifest=%d expected=%d", variant, m.Version, FormatVersion)
	}
	if m.Variant != variant {
		return nil, fmt.Errorf("artifacts: manifest variant mismatch: manifest=%q expected=%q", m.Variant, variant)
	}
	if m.Folds != len(m.Files) {
		return nil, fmt.Errorf("artifacts: manifest for %s lists %d files for %d folds", variant, len(m.Files), m.Folds)
	}

	out := make([]fitting.Artifact, m.Folds)
	for fold, name := range m.Files {
		path := filepath.Join(s.Dir, name)
		var env envelope
		if err := readGob(path, &env); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("artifacts: variant %s fold %d artifact missing (%s): %w",
					variant, fold, path, fs.ErrNotExist)
			}
			return nil, fmt.Errorf("artifacts: load %s fold %d: %w", variant, fold, err)
		}
		if env.Version != FormatVersion {
			return nil, fmt.Errorf("artifacts: %s fold %d version mismatch: file=%d expected=%d", variant, fold, env.Version, FormatVersion)
		}
		if env.Variant != variant || env.Fold != fold {
			return nil, fmt.Errorf("artifacts: %s fold %d envelope mismatch: file claims variant %q fold %d", variant, fold, env.Variant, env.Fold)
		}
		out[fold] = env.Artifact
	}
	return out, nil
}

func writeGob(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if err := gob.NewEncoder(tmp).Encode(v); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		log.Printf("warning: sync temp artifact file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file to target: %w", err)
	}
	return nil
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
