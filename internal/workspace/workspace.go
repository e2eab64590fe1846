// Package workspace builds and writes the engine's canonical on-disk layout
// (spec §6): inputs/, artifacts/<task_id>/<artifact_id>/, required_docs/,
// reviews/<check_task_id>/<review_id>/, deliverables/<plan_id>/. The
// filesystem is partitioned by task_id, so no two tasks write into each
// other's directories.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Layout resolves canonical paths under one root directory.
type Layout struct {
	Root string
}

func New(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) InputsDir() string {
	return filepath.Join(l.Root, "inputs")
}

func (l Layout) ArtifactDir(taskID, artifactID string) string {
	return filepath.Join(l.Root, "artifacts", taskID, artifactID)
}

func (l Layout) ArtifactPath(taskID, artifactID, filename string) string {
	return filepath.Join(l.ArtifactDir(taskID, artifactID), filename)
}

func (l Layout) RequiredDocsPath(taskID string) string {
	return filepath.Join(l.Root, "required_docs", taskID+".md")
}

func (l Layout) ReviewDir(checkTaskID, reviewID string) string {
	return filepath.Join(l.Root, "reviews", checkTaskID, reviewID)
}

func (l Layout) DeliverablesDir(planID string) string {
	return filepath.Join(l.Root, "deliverables", planID)
}

func (l Layout) DeliverableBundleDir(planID, taskSlug, taskID8 string) string {
	return filepath.Join(l.DeliverablesDir(planID), "bundle", fmt.Sprintf("%s_%s", taskSlug, taskID8))
}

func (l Layout) ManifestPath(planID string) string {
	return filepath.Join(l.DeliverablesDir(planID), "manifest.json")
}

func (l Layout) FinalPath(planID string) string {
	return filepath.Join(l.DeliverablesDir(planID), "final.json")
}

func (l Layout) PlanMetaPath(planID string) string {
	return filepath.Join(l.DeliverablesDir(planID), "plan_meta.json")
}

// WriteFile creates parent directories and writes body, returning the
// content's sha256 hex digest.
func WriteFile(path string, body []byte) (hash string, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, body, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return HashBytes(body), nil
}

func HashBytes(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func HashFile(path string) (string, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return HashBytes(body), nil
}

// ReadCapped reads a file and truncates its content to maxChars, reporting
// whether truncation occurred (used to cap input evidence text injected
// into a prompt).
func ReadCapped(path string, maxChars int) (string, bool, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return "", false, err
	}
	text := string(body)
	if maxChars <= 0 || len(text) <= maxChars {
		return text, false, nil
	}
	return text[:maxChars], true, nil
}
