package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-dev/taskforge/internal/planmodel"
)

const insertReviewSQL = `INSERT INTO reviews
	(review_id, task_id, reviewed_artifact_id, reviewer_agent, total_score, breakdown, suggestions, summary, action_required, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

const listReviewsByTaskSQL = `SELECT review_id, task_id, reviewed_artifact_id, reviewer_agent, total_score, breakdown, suggestions, summary, action_required, created_at
	FROM reviews WHERE task_id = ? ORDER BY created_at ASC;`

const latestReviewByTaskSQL = `SELECT review_id, task_id, reviewed_artifact_id, reviewer_agent, total_score, breakdown, suggestions, summary, action_required, created_at
	FROM reviews WHERE task_id = ? ORDER BY created_at DESC LIMIT 1;`

// InsertReview appends a review verdict. Reviews are append-only: the engine
// never updates or deletes a past verdict, only adds new ones as attempts
// cycle.
func (s *Store) InsertReview(ctx context.Context, tx *sql.Tx, r planmodel.Review) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	breakdown, err := json.Marshal(nonNilBreakdown(r.Breakdown))
	if err != nil {
		return fmt.Errorf("marshal breakdown for review %q: %w", r.ReviewID, err)
	}
	suggestions, err := json.Marshal(nonNilSuggestions(r.Suggestions))
	if err != nil {
		return fmt.Errorf("marshal suggestions for review %q: %w", r.ReviewID, err)
	}

	_, err = s.execer(tx).ExecContext(sanitize(ctx), insertReviewSQL,
		r.ReviewID, r.TaskID, r.ReviewedArtifactID, r.ReviewerAgent, r.TotalScore,
		string(breakdown), string(suggestions), r.Summary, string(r.ActionRequired), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert review %q: %w", r.ReviewID, err)
	}
	return nil
}

// ListReviewsByTask returns every review verdict for a task, oldest first.
func (s *Store) ListReviewsByTask(ctx context.Context, taskID string) ([]planmodel.Review, error) {
	rows, err := s.db.QueryContext(sanitize(ctx), listReviewsByTaskSQL, taskID)
	if err != nil {
		return nil, fmt.Errorf("list reviews for task %q: %w", taskID, err)
	}
	defer rows.Close()

	var out []planmodel.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestReview returns the most recent review verdict for a task, if any.
func (s *Store) LatestReview(ctx context.Context, taskID string) (planmodel.Review, bool, error) {
	row := s.db.QueryRowContext(sanitize(ctx), latestReviewByTaskSQL, taskID)
	r, err := scanReview(row)
	if err != nil {
		if err.Error() == "review: not found" {
			return planmodel.Review{}, false, nil
		}
		return planmodel.Review{}, false, err
	}
	return r, true, nil
}

func scanReview(scanner rowScanner) (planmodel.Review, error) {
	var r planmodel.Review
	var action, breakdown, suggestions string
	if err := scanner.Scan(&r.ReviewID, &r.TaskID, &r.ReviewedArtifactID, &r.ReviewerAgent,
		&r.TotalScore, &breakdown, &suggestions, &r.Summary, &action, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return planmodel.Review{}, fmt.Errorf("review: not found")
		}
		return planmodel.Review{}, fmt.Errorf("scan review: %w", err)
	}
	r.ActionRequired = planmodel.ActionRequired(action)
	if err := json.Unmarshal([]byte(breakdown), &r.Breakdown); err != nil {
		return planmodel.Review{}, fmt.Errorf("unmarshal breakdown: %w", err)
	}
	if err := json.Unmarshal([]byte(suggestions), &r.Suggestions); err != nil {
		return planmodel.Review{}, fmt.Errorf("unmarshal suggestions: %w", err)
	}
	return r, nil
}

func nonNilBreakdown(in []planmodel.ReviewBreakdownItem) []planmodel.ReviewBreakdownItem {
	if in == nil {
		return []planmodel.ReviewBreakdownItem{}
	}
	return in
}

func nonNilSuggestions(in []planmodel.ReviewSuggestion) []planmodel.ReviewSuggestion {
	if in == nil {
		return []planmodel.ReviewSuggestion{}
	}
	return in
}
