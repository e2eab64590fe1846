// Package matcher scans the workspace's inputs/ directory tree every tick
// and binds observed files to declared input requirements by a deterministic
// match_score heuristic.
package matcher

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
	"github.com/antigravity-dev/taskforge/internal/store"
)

const (
	scoreDirMatch      = 100
	scoreKeywordHit     = 40
	scoreKeywordCap     = 80
	scoreAllowedType    = 10
	scoreUserSourceHit  = 10
	bindThreshold       = 60
	maxBindingsPerFile  = 2 // K=2
)

// Matcher scans inputs/ and binds files to requirements.
type Matcher struct {
	store     *store.Store
	inputsDir string
	logger    *slog.Logger
}

// New builds a Matcher rooted at inputsDir (typically "<workspace>/inputs").
func New(s *store.Store, inputsDir string, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{store: s, inputsDir: inputsDir, logger: logger}
}

type observedFile struct {
	path        string // full path
	relDir      string // directory relative to inputsDir, e.g. "product_spec"
	name        string
	ext         string
	contentHash string
	modifiedAt  time.Time
}

// Scan walks inputsDir for planID's pending requirements, computing
// match_score for every (file, requirement) pair and binding evidence where
// the score clears bindThreshold. It is safe to call every tick: repeat
// observations of the same file are idempotent via the evidence table's
// (requirement_id, ref_id) uniqueness.
func (m *Matcher) Scan(ctx context.Context, planID string) error {
	requirements, err := m.requirementsForPlan(ctx, planID)
	if err != nil {
		return fmt.Errorf("load requirements for plan %q: %w", planID, err)
	}
	if len(requirements) == 0 {
		return nil
	}

	files, err := m.walkInputs()
	if err != nil {
		return fmt.Errorf("walk inputs dir %q: %w", m.inputsDir, err)
	}

	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.path] = true
		if err := m.observeFile(ctx, planID, f); err != nil {
			return err
		}
		if err := m.bindFile(ctx, planID, f, requirements); err != nil {
			return err
		}
	}

	return m.detectRemovals(ctx, planID, requirements, present)
}

// detectRemovals emits FILE_REMOVED for any bound evidence whose backing
// file has disappeared from disk. The evidence row itself is left in place:
// deletions are not propagated, only surfaced (spec §4.4).
func (m *Matcher) detectRemovals(ctx context.Context, planID string, requirements []planmodel.InputRequirement, present map[string]bool) error {
	for _, r := range requirements {
		evidence, err := m.store.ListEvidenceByRequirement(ctx, r.RequirementID)
		if err != nil {
			return fmt.Errorf("list evidence for requirement %q: %w", r.RequirementID, err)
		}
		for _, e := range evidence {
			if e.SourcePath == "" || present[e.SourcePath] {
				continue
			}
			already, err := m.alreadyReportedRemoved(ctx, r.TaskID, e.SourcePath)
			if err != nil {
				return err
			}
			if already {
				continue
			}
			if err := m.store.Tx(ctx, func(tx *sql.Tx) error {
				return m.store.AppendEvent(ctx, tx, planmodel.TaskEvent{
					EventID:   uuid.NewString(),
					PlanID:    planID,
					TaskID:    r.TaskID,
					EventType: planmodel.EventFileRemoved,
					Payload: map[string]any{
						"requirement_id": r.RequirementID,
						"path":           e.SourcePath,
					},
				})
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Matcher) alreadyReportedRemoved(ctx context.Context, taskID, path string) (bool, error) {
	events, err := m.store.ListEventsByTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.EventType == planmodel.EventFileRemoved && ev.Payload["path"] == path {
			return true, nil
		}
	}
	return false, nil
}

func (m *Matcher) requirementsForPlan(ctx context.Context, planID string) ([]planmodel.InputRequirement, error) {
	tasks, err := m.store.ListTasksByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	var out []planmodel.InputRequirement
	for _, t := range tasks {
		reqs, err := m.store.ListRequirementsByTask(ctx, t.TaskID)
		if err != nil {
			return nil, err
		}
		out = append(out, reqs...)
	}
	return out, nil
}

func (m *Matcher) walkInputs() ([]observedFile, error) {
	var out []observedFile
	err := filepath.WalkDir(m.inputsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		hash, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("hash %q: %w", path, err)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(m.inputsDir, path)
		if err != nil {
			return err
		}
		relDir := filepath.Dir(rel)
		if relDir == "." {
			relDir = ""
		}
		out = append(out, observedFile{
			path:        path,
			relDir:      relDir,
			name:        d.Name(),
			ext:         strings.TrimPrefix(filepath.Ext(d.Name()), "."),
			contentHash: hash,
			modifiedAt:  info.ModTime(),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (m *Matcher) observeFile(ctx context.Context, planID string, f observedFile) error {
	return m.store.Tx(ctx, func(tx *sql.Tx) error {
		return m.store.AppendEvent(ctx, tx, planmodel.TaskEvent{
			EventID:   uuid.NewString(),
			PlanID:    planID,
			EventType: planmodel.EventFileObserved,
			Payload: map[string]any{
				"path": f.path,
				"hash": f.contentHash,
				"ext":  f.ext,
			},
		})
	})
}

type scoredMatch struct {
	requirement planmodel.InputRequirement
	score       int
}

// matchScore implements spec §4.4's deterministic scoring rule.
func matchScore(f observedFile, r planmodel.InputRequirement) int {
	score := 0
	if f.relDir != "" && strings.EqualFold(f.relDir, r.Name) {
		score += scoreDirMatch
	}

	keywordHits := 0
	lowerName := strings.ToLower(f.name)
	for _, kw := range r.FilenameKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lowerName, strings.ToLower(kw)) {
			keywordHits++
		}
	}
	keywordScore := keywordHits * scoreKeywordHit
	if keywordScore > scoreKeywordCap {
		keywordScore = scoreKeywordCap
	}
	score += keywordScore

	for _, allowed := range r.AllowedTypes {
		if strings.EqualFold(allowed, f.ext) {
			score += scoreAllowedType
			break
		}
	}

	if r.Source == planmodel.SourceUser {
		score += scoreUserSourceHit
	}

	return score
}

// bindFile scores f against every requirement, binds to up to K=2
// highest-scoring matches at or above bindThreshold, and emits a directive
// event instead of binding on an unresolvable tie.
func (m *Matcher) bindFile(ctx context.Context, planID string, f observedFile, requirements []planmodel.InputRequirement) error {
	var candidates []scoredMatch
	for _, r := range requirements {
		if score := matchScore(f, r); score >= bindThreshold {
			candidates = append(candidates, scoredMatch{requirement: r, score: score})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if len(candidates) > 1 && candidates[0].score == candidates[1].score {
		return m.emitTieDirective(ctx, planID, f, candidates)
	}

	if len(candidates) > maxBindingsPerFile {
		candidates = candidates[:maxBindingsPerFile]
	}

	for _, c := range candidates {
		if err := m.bindEvidence(ctx, planID, f, c.requirement); err != nil {
			return err
		}
	}
	return nil
}

func (m *Matcher) bindEvidence(ctx context.Context, planID string, f observedFile, r planmodel.InputRequirement) error {
	return m.store.Tx(ctx, func(tx *sql.Tx) error {
		err := m.store.InsertEvidence(ctx, tx, planmodel.Evidence{
			EvidenceID:    uuid.NewString(),
			RequirementID: r.RequirementID,
			RefID:         f.contentHash,
			Kind:          r.Kind,
			SourcePath:    f.path,
			ContentHash:   f.contentHash,
			ModifiedAt:    f.modifiedAt,
		})
		if err != nil {
			if err == store.ErrDuplicateEvidence {
				return nil
			}
			return err
		}
		return m.store.AppendEvent(ctx, tx, planmodel.TaskEvent{
			EventID:   uuid.NewString(),
			PlanID:    planID,
			TaskID:    r.TaskID,
			EventType: planmodel.EventEvidenceAdded,
			Payload: map[string]any{
				"requirement_id": r.RequirementID,
				"path":           f.path,
			},
		})
	})
}

func (m *Matcher) emitTieDirective(ctx context.Context, planID string, f observedFile, candidates []scoredMatch) error {
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.score == candidates[0].score {
			names = append(names, c.requirement.RequirementID)
		}
	}
	m.logger.Warn("matcher: tie between requirements, not binding", "path", f.path, "requirements", names)
	return m.store.Tx(ctx, func(tx *sql.Tx) error {
		return m.store.AppendEvent(ctx, tx, planmodel.TaskEvent{
			EventID:   uuid.NewString(),
			PlanID:    planID,
			EventType: planmodel.EventDirective,
			Payload: map[string]any{
				"reason":       "tie_conflict",
				"path":         f.path,
				"requirements": names,
			},
		})
	})
}

// ChooseContext picks which evidence to surface in a prompt when a
// requirement has multiple bound files: prefer the most recently modified,
// and prefer filenames containing the literal "FINAL".
func ChooseContext(evidence []planmodel.Evidence) (planmodel.Evidence, bool) {
	if len(evidence) == 0 {
		return planmodel.Evidence{}, false
	}
	best := evidence[0]
	for _, e := range evidence[1:] {
		if isFinal(e.SourcePath) && !isFinal(best.SourcePath) {
			best = e
			continue
		}
		if isFinal(e.SourcePath) == isFinal(best.SourcePath) && e.ModifiedAt.After(best.ModifiedAt) {
			best = e
		}
	}
	return best, true
}

func isFinal(path string) bool {
	return strings.Contains(filepath.Base(path), "FINAL")
}
