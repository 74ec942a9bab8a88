// Package chronicle maintains the per-arc long-term memory: numbered
// chapters of prose paragraphs, plus the quest ledger that tracks
// long-running goals across chapters.
package chronicle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultChapterMaxParagraphs is how many paragraphs a chapter holds
// before the next append rolls it over.
const DefaultChapterMaxParagraphs = 50

// Summarizer condenses a closed chapter's paragraphs into its summary.
type Summarizer func(ctx context.Context, arc string, paragraphs []string) (string, error)

// AppendHook observes every appended paragraph. Hooks run synchronously
// after the paragraph is committed.
type AppendHook func(ctx context.Context, arc string, paragraphID int64, content string)

// Store is the SQL-backed chronicle.
type Store struct {
	db                   *sql.DB
	now                  func() time.Time
	chapterMaxParagraphs int

	mu        sync.Mutex
	summarize Summarizer
	hooks     []AppendHook
}

func New(db *sql.DB) *Store {
	return &Store{
		db:                   db,
		now:                  time.Now,
		chapterMaxParagraphs: DefaultChapterMaxParagraphs,
	}
}

// SetClock overrides the time source (tests).
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// SetChapterMaxParagraphs overrides the rollover threshold.
func (s *Store) SetChapterMaxParagraphs(n int) {
	if n > 0 {
		s.chapterMaxParagraphs = n
	}
}

// SetSummarizer installs the chapter summarizer used at rollover.
func (s *Store) SetSummarizer(fn Summarizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summarize = fn
}

// OnAppend registers a hook invoked after every paragraph append.
func (s *Store) OnAppend(fn AppendHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Chapter is one chronicle chapter.
type Chapter struct {
	ID       int64
	Arc      string
	Number   int64
	Summary  string
	OpenedAt int64
	ClosedAt int64 // 0 = still open
}

// Paragraph is one chronicle entry.
type Paragraph struct {
	ID        int64
	ChapterID int64
	Arc       string
	Content   string
	CreatedAt int64
}

// GetOrOpenCurrentChapter returns the arc's open chapter, creating
// chapter 1 on first use.
func (s *Store) GetOrOpenCurrentChapter(ctx context.Context, arc string) (*Chapter, error) {
	ch, err := s.currentChapter(ctx, arc)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return s.openChapter(ctx, arc, 1)
}

func (s *Store) currentChapter(ctx context.Context, arc string) (*Chapter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, arc, number, summary, opened_at, COALESCE(closed_at, 0)
		FROM chapters WHERE arc = $1 AND closed_at IS NULL
		ORDER BY number DESC LIMIT 1`, arc)
	var ch Chapter
	if err := row.Scan(&ch.ID, &ch.Arc, &ch.Number, &ch.Summary, &ch.OpenedAt, &ch.ClosedAt); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *Store) openChapter(ctx context.Context, arc string, number int64) (*Chapter, error) {
	openedAt := s.now().Unix()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO chapters (arc, number, summary, opened_at)
		VALUES ($1, $2, '', $3) RETURNING id`, arc, number, openedAt)
	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("open chapter %d for %s: %w", number, arc, err)
	}
	return &Chapter{ID: id, Arc: arc, Number: number, OpenedAt: openedAt}, nil
}

// AppendParagraph adds a paragraph to the arc's current chapter, rolling
// to a new chapter first when the current one is full. Returns the new
// paragraph's id. Empty or whitespace-only content is rejected.
func (s *Store) AppendParagraph(ctx context.Context, arc, content string) (int64, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0, fmt.Errorf("empty paragraph for %s", arc)
	}

	ch, err := s.GetOrOpenCurrentChapter(ctx, arc)
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM paragraphs WHERE chapter_id = $1`, ch.ID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count paragraphs: %w", err)
	}
	if count >= s.chapterMaxParagraphs {
		ch, err = s.rollChapter(ctx, ch)
		if err != nil {
			return 0, err
		}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO paragraphs (chapter_id, arc, content, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		ch.ID, arc, content, s.now().Unix())
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("append paragraph: %w", err)
	}

	s.mu.Lock()
	hooks := make([]AppendHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx, arc, id, content)
	}
	return id, nil
}

// rollChapter closes the full chapter, summarizing it when a summarizer
// is installed, and opens the next one.
func (s *Store) rollChapter(ctx context.Context, ch *Chapter) (*Chapter, error) {
	paragraphs, err := s.chapterParagraphs(ctx, ch.ID)
	if err != nil {
		return nil, err
	}

	summary := ""
	s.mu.Lock()
	summarize := s.summarize
	s.mu.Unlock()
	if summarize != nil {
		texts := make([]string, len(paragraphs))
		for i, p := range paragraphs {
			texts[i] = p.Content
		}
		summary, err = summarize(ctx, ch.Arc, texts)
		if err != nil {
			slog.Warn("chapter summary failed, closing without one",
				"arc", ch.Arc, "chapter", ch.Number, "error", err)
			summary = ""
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE chapters SET summary = $1, closed_at = $2 WHERE id = $3`,
		summary, s.now().Unix(), ch.ID); err != nil {
		return nil, fmt.Errorf("close chapter %d: %w", ch.Number, err)
	}
	slog.Info("chapter rolled", "arc", ch.Arc, "closed", ch.Number, "opened", ch.Number+1)
	return s.openChapter(ctx, ch.Arc, ch.Number+1)
}

func (s *Store) chapterParagraphs(ctx context.Context, chapterID int64) ([]Paragraph, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chapter_id, arc, content, created_at FROM paragraphs
		WHERE chapter_id = $1 ORDER BY id ASC`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("chapter paragraphs: %w", err)
	}
	defer rows.Close()

	var out []Paragraph
	for rows.Next() {
		var p Paragraph
		if err := rows.Scan(&p.ID, &p.ChapterID, &p.Arc, &p.Content, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// chapterByNumber returns the chapter or nil when it does not exist.
func (s *Store) chapterByNumber(ctx context.Context, arc string, number int64) (*Chapter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, arc, number, summary, opened_at, COALESCE(closed_at, 0)
		FROM chapters WHERE arc = $1 AND number = $2`, arc, number)
	var ch Chapter
	if err := row.Scan(&ch.ID, &ch.Arc, &ch.Number, &ch.Summary, &ch.OpenedAt, &ch.ClosedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ch, nil
}

// RenderChapter returns the chapter's paragraphs joined by blank lines,
// headed by its number. Returns "" when the chapter does not exist.
func (s *Store) RenderChapter(ctx context.Context, arc string, number int64) (string, error) {
	ch, err := s.chapterByNumber(ctx, arc, number)
	if err != nil {
		return "", err
	}
	if ch == nil {
		return "", nil
	}
	paragraphs, err := s.chapterParagraphs(ctx, ch.ID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Chapter %d\n", ch.Number)
	for _, p := range paragraphs {
		b.WriteString("\n")
		b.WriteString(p.Content)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// RenderChapterRelative renders the chapter at the given offset from the
// current one: 0 = current, -1 = previous. Positive offsets and offsets
// before chapter 1 return "".
func (s *Store) RenderChapterRelative(ctx context.Context, arc string, offset int64) (string, error) {
	if offset > 0 {
		return "", nil
	}
	ch, err := s.GetOrOpenCurrentChapter(ctx, arc)
	if err != nil {
		return "", err
	}
	number := ch.Number + offset
	if number < 1 {
		return "", nil
	}
	return s.RenderChapter(ctx, arc, number)
}

// ChapterContext carries the chronicle material injected into a system
// prompt: the previous chapter's summary and the current chapter's
// paragraphs.
type ChapterContext struct {
	PreviousSummary   string
	CurrentNumber     int64
	CurrentParagraphs []string
}

// GetChapterContext returns the prompt-injection view of the arc's
// chronicle.
func (s *Store) GetChapterContext(ctx context.Context, arc string) (*ChapterContext, error) {
	ch, err := s.GetOrOpenCurrentChapter(ctx, arc)
	if err != nil {
		return nil, err
	}
	out := &ChapterContext{CurrentNumber: ch.Number}

	if ch.Number > 1 {
		prev, err := s.chapterByNumber(ctx, arc, ch.Number-1)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			out.PreviousSummary = prev.Summary
		}
	}

	paragraphs, err := s.chapterParagraphs(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range paragraphs {
		out.CurrentParagraphs = append(out.CurrentParagraphs, p.Content)
	}
	return out, nil
}

// ParagraphTimestamp returns the created_at of a paragraph, 0 when
// unknown.
func (s *Store) ParagraphTimestamp(ctx context.Context, id int64) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM paragraphs WHERE id = $1`, id)
	var ts int64
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return ts, nil
}
