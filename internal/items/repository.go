package items

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Joplin item types stored in the jop_type column.
const (
	JopTypeNote    = 1
	JopTypeFolder  = 2
	JopTypeTag     = 5
	JopTypeNoteTag = 6
)

const itemsOperationTimeout = 5 * time.Second

var ErrInvalidInput = errors.New("invalid input")

// Querier is the query surface the repository needs. Both *sql.DB and the
// change listener satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Item is one row of the Joplin server items table.
type Item struct {
	ID          string
	Name        string
	JopID       string
	JopParentID string
	JopType     int
	// Content is the decoded text of the content column, nil when the column
	// is NULL.
	Content *string
}

type Repository struct {
	db      Querier
	timeout time.Duration
}

func NewRepository(db Querier) *Repository {
	return &Repository{db: db, timeout: itemsOperationTimeout}
}

// GetItem returns nil without error when no item has the given id.
func (r *Repository) GetItem(ctx context.Context, id string) (*Item, error) {
	if r == nil || r.db == nil {
		return nil, ErrInvalidInput
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, jop_id, jop_parent_id, jop_type, content FROM items WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get item %s: %w", id, err)
		}
		return nil, nil
	}

	var (
		itemID, name, jopID, jopParentID sql.NullString
		jopType                          sql.NullInt64
		content                          []byte
	)
	if err := rows.Scan(&itemID, &name, &jopID, &jopParentID, &jopType, &content); err != nil {
		return nil, fmt.Errorf("scan item %s: %w", id, err)
	}
	item := &Item{
		ID:          itemID.String,
		Name:        name.String,
		JopID:       jopID.String,
		JopParentID: jopParentID.String,
		JopType:     int(jopType.Int64),
	}
	if content != nil {
		text := strings.ToValidUTF8(string(content), "�")
		item.Content = &text
	}
	return item, nil
}

// TagNames resolves the titles of the tags attached to a note. Tags are items
// of their own, linked through note-tag items, so this takes two queries: one
// for the tag ids referencing the note, one for the titles of those tags.
func (r *Repository) TagNames(ctx context.Context, noteJopID string) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, ErrInvalidInput
	}
	noteJopID = strings.TrimSpace(noteJopID)
	if noteJopID == "" {
		return []string{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tagIDs, err := r.queryStrings(ctx, `
		SELECT (convert_from(content, 'utf8'))::jsonb ->> 'tag_id' AS tag_id
		FROM items
		WHERE jop_type = $1
		AND (convert_from(content, 'utf8'))::jsonb ->> 'note_id' = $2`,
		JopTypeNoteTag, noteJopID)
	if err != nil {
		return nil, fmt.Errorf("list note tags for %s: %w", noteJopID, err)
	}
	if len(tagIDs) == 0 {
		return []string{}, nil
	}

	titles, err := r.queryStrings(ctx, `
		SELECT (convert_from(content, 'utf8'))::jsonb ->> 'title' AS title
		FROM items
		WHERE jop_type = $1
		AND jop_id = ANY($2)`,
		JopTypeTag, pq.Array(tagIDs))
	if err != nil {
		return nil, fmt.Errorf("list tag titles for %s: %w", noteJopID, err)
	}
	return titles, nil
}

// queryStrings collects the first column of every row, skipping NULL and blank
// values.
func (r *Repository) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var value sql.NullString
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		if !value.Valid || value.String == "" {
			continue
		}
		values = append(values, value.String)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return values, nil
}
