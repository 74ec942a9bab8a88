package chronicle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Quest statuses. A quest is "in_step" while a heartbeat run holds it.
const (
	QuestOngoing  = "ongoing"
	QuestInStep   = "in_step"
	QuestFinished = "finished"
)

// Quest is one row of the quest ledger.
type Quest struct {
	ArcID                    string
	QuestID                  string
	ParentID                 string // "" = top-level
	Status                   string
	LastState                string
	Plan                     string
	ResumeAt                 int64 // 0 = not snoozed
	CreatedByParagraphID     int64
	LastUpdatedByParagraphID int64
}

// QuestStart opens a quest with the opening paragraph's content as its
// initial state. Starting an id that already exists reopens it as ongoing
// and records the new paragraph and state.
func (s *Store) QuestStart(ctx context.Context, arc, questID, parentID, state string, paragraphID int64) error {
	var parent interface{}
	if parentID != "" {
		parent = parentID
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE quests SET status = $1, last_state = $2, resume_at = NULL,
			last_updated_by_paragraph_id = $3
		WHERE arc_id = $4 AND quest_id = $5`,
		QuestOngoing, state, paragraphID, arc, questID)
	if err != nil {
		return fmt.Errorf("quest start %s: %w", questID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quests (arc_id, quest_id, parent_id, status, last_state,
			created_by_paragraph_id, last_updated_by_paragraph_id)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		arc, questID, parent, QuestOngoing, state, paragraphID)
	if err != nil {
		return fmt.Errorf("quest start %s: %w", questID, err)
	}
	return nil
}

// QuestUpdate records progress on an ongoing quest and releases any
// in_step claim.
func (s *Store) QuestUpdate(ctx context.Context, arc, questID, state string, paragraphID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quests SET last_state = $1, status = $2, last_updated_by_paragraph_id = $3
		WHERE arc_id = $4 AND quest_id = $5 AND status != $6`,
		state, QuestOngoing, paragraphID, arc, questID, QuestFinished)
	if err != nil {
		return fmt.Errorf("quest update %s: %w", questID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("quest update %s: no ongoing quest", questID)
	}
	return nil
}

// QuestFinish closes a quest.
func (s *Store) QuestFinish(ctx context.Context, arc, questID string, paragraphID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quests SET status = $1, last_updated_by_paragraph_id = $2
		WHERE arc_id = $3 AND quest_id = $4`,
		QuestFinished, paragraphID, arc, questID)
	if err != nil {
		return fmt.Errorf("quest finish %s: %w", questID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("quest finish %s: unknown quest", questID)
	}
	return nil
}

// QuestSetPlan stores the quest's plan text.
func (s *Store) QuestSetPlan(ctx context.Context, arc, questID, plan string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quests SET plan = $1 WHERE arc_id = $2 AND quest_id = $3`,
		plan, arc, questID)
	if err != nil {
		return fmt.Errorf("quest set plan %s: %w", questID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("quest set plan %s: unknown quest", questID)
	}
	return nil
}

// QuestSetResumeAt snoozes a quest's heartbeat until the given time.
func (s *Store) QuestSetResumeAt(ctx context.Context, arc, questID string, resumeAt int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quests SET resume_at = $1 WHERE arc_id = $2 AND quest_id = $3`,
		resumeAt, arc, questID)
	if err != nil {
		return fmt.Errorf("quest snooze %s: %w", questID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("quest snooze %s: unknown quest", questID)
	}
	return nil
}

// QuestGet returns a quest, nil when unknown.
func (s *Store) QuestGet(ctx context.Context, arc, questID string) (*Quest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT arc_id, quest_id, COALESCE(parent_id, ''), status, last_state,
			COALESCE(plan, ''), COALESCE(resume_at, 0),
			created_by_paragraph_id, last_updated_by_paragraph_id
		FROM quests WHERE arc_id = $1 AND quest_id = $2`, arc, questID)

	var q Quest
	err := row.Scan(&q.ArcID, &q.QuestID, &q.ParentID, &q.Status, &q.LastState,
		&q.Plan, &q.ResumeAt, &q.CreatedByParagraphID, &q.LastUpdatedByParagraphID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("quest get %s: %w", questID, err)
	}
	return &q, nil
}

// QuestCountUnfinished counts the arc's quests that are not finished.
func (s *Store) QuestCountUnfinished(ctx context.Context, arc string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM quests WHERE arc_id = $1 AND status != $2`,
		arc, QuestFinished)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("quest count: %w", err)
	}
	return n, nil
}

// QuestArcs lists the arcs that still have unfinished quests, in first-seen
// order. The heartbeat scheduler visits these when no allowlist is set.
func (s *Store) QuestArcs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT arc_id FROM quests WHERE status != $1
		GROUP BY arc_id ORDER BY MIN(created_by_paragraph_id) ASC`, QuestFinished)
	if err != nil {
		return nil, fmt.Errorf("quest arcs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var arc string
		if err := rows.Scan(&arc); err != nil {
			return nil, err
		}
		out = append(out, arc)
	}
	return out, rows.Err()
}

// QuestTryTransition moves a quest from one status to another atomically.
// Returns false when the quest was not in the expected status, which lets
// concurrent heartbeat workers race for the same quest safely.
func (s *Store) QuestTryTransition(ctx context.Context, arc, questID, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quests SET status = $1
		WHERE arc_id = $2 AND quest_id = $3 AND status = $4`,
		to, arc, questID, from)
	if err != nil {
		return false, fmt.Errorf("quest transition %s %s->%s: %w", questID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// QuestsReadyForHeartbeat returns the arc's ongoing quests whose last
// recorded paragraph is older than cooldownSeconds, that are not snoozed
// into the future, and that have no unfinished child quest. Idle time is
// measured from the paragraph that last touched the quest, so chat
// activity elsewhere does not delay heartbeats.
func (s *Store) QuestsReadyForHeartbeat(ctx context.Context, arc string, cooldownSeconds int64) ([]Quest, error) {
	now := s.now().Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.arc_id, q.quest_id, COALESCE(q.parent_id, ''), q.status, q.last_state,
			COALESCE(q.plan, ''), COALESCE(q.resume_at, 0),
			q.created_by_paragraph_id, q.last_updated_by_paragraph_id
		FROM quests q
		JOIN paragraphs p ON p.id = q.last_updated_by_paragraph_id
		WHERE q.arc_id = $1 AND q.status = $2
			AND (q.resume_at IS NULL OR q.resume_at <= $3)
			AND p.created_at <= $4
			AND NOT EXISTS (
				SELECT 1 FROM quests c
				WHERE c.arc_id = q.arc_id AND c.parent_id = q.quest_id
					AND c.status IN ($5, $6)
			)
		ORDER BY p.created_at ASC`,
		arc, QuestOngoing, now, now-cooldownSeconds, QuestOngoing, QuestInStep)
	if err != nil {
		return nil, fmt.Errorf("quests ready: %w", err)
	}
	defer rows.Close()

	var out []Quest
	for rows.Next() {
		var q Quest
		if err := rows.Scan(&q.ArcID, &q.QuestID, &q.ParentID, &q.Status, &q.LastState,
			&q.Plan, &q.ResumeAt, &q.CreatedByParagraphID, &q.LastUpdatedByParagraphID); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
