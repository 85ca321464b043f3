package jobspec

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumManifest is the .checksums file written next to job specs.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ChecksumFileResult captures the outcome for one spec file during lock.
type ChecksumFileResult struct {
	Filename string
	Hash     string
}

// ComputeFileHash computes the BLAKE3 hash of a file.
func ComputeFileHash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeFileHash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}
	return nil
}

// GenerateChecksums hashes every .yaml file in specDir and writes the
// .checksums manifest. Returns per-file results in filename order.
func GenerateChecksums(specDir string) ([]ChecksumFileResult, error) {
	entries, err := os.ReadDir(specDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec directory: %w", err)
	}

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}

	var results []ChecksumFileResult
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if ext := filepath.Ext(name); ext != ".yaml" && ext != ".yml" {
			continue
		}
		hash, err := ComputeFileHash(filepath.Join(specDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		manifest.Hashes[name] = hash
		results = append(results, ChecksumFileResult{Filename: name, Hash: hash})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Filename < results[j].Filename })

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}

	// Restrictive permissions: the manifest is the tamper-detection anchor.
	checksumPath := filepath.Join(specDir, ".checksums")
	if err := os.WriteFile(checksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}

	return results, nil
}

// LoadChecksums reads the .checksums manifest from a spec directory.
// The underlying read error is wrapped, so callers can test for a missing
// manifest with errors.Is(err, fs.ErrNotExist).
func LoadChecksums(specDir string) (*ChecksumManifest, error) {
	checksumPath := filepath.Join(specDir, ".checksums")

	data, err := os.ReadFile(checksumPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyChecksums verifies every hashed file in the manifest against disk.
func VerifyChecksums(specDir string, manifest *ChecksumManifest) error {
	names := make([]string, 0, len(manifest.Hashes))
	for name := range manifest.Hashes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(specDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("spec file %s is in checksums but missing from disk", name)
		}
		if err := VerifyFileHash(path, manifest.Hashes[name]); err != nil {
			return fmt.Errorf("spec verification failed: %w\n"+
				"If you edited this file intentionally, run: qrun config lock --dir %s", err, specDir)
		}
	}
	return nil
}
