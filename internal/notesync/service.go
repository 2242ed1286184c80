package notesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/agentworkforce/notesync/internal/items"
	"github.com/agentworkforce/notesync/internal/linkparse"
	"github.com/agentworkforce/notesync/internal/postgrest"
)

// NoteExtension is the item name suffix Joplin uses for notes.
const NoteExtension = ".md"

var ErrInvalidInput = errors.New("invalid input")

type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
)

type Result struct {
	Outcome Outcome
	// NoteID is the note's Joplin id, empty when the item was never resolved.
	NoteID string
	// Reason explains a skipped outcome.
	Reason string
}

type ItemStore interface {
	GetItem(ctx context.Context, id string) (*items.Item, error)
	TagNames(ctx context.Context, noteJopID string) ([]string, error)
}

type NotesAPI interface {
	FolderIDs(ctx context.Context) ([]string, error)
	UpsertNote(ctx context.Context, payload postgrest.NotePayload) (postgrest.Result, error)
}

type LinkParser interface {
	Parse(ctx context.Context, body string) (*linkparse.Article, bool)
}

// Service decides, for one changed item, whether and how it reaches the notes
// API. It holds no state between calls.
type Service struct {
	store  ItemStore
	api    NotesAPI
	links  LinkParser
	logger *slog.Logger
}

func NewService(store ItemStore, api NotesAPI, links LinkParser, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: item store is required", ErrInvalidInput)
	}
	if api == nil {
		return nil, fmt.Errorf("%w: notes api is required", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, api: api, links: links, logger: logger}, nil
}

// HandleChange syncs the item with the given storage id. Filtered items yield
// OutcomeSkipped with a nil error; store and API failures are returned as-is.
func (s *Service) HandleChange(ctx context.Context, itemID string) (Result, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return Result{}, err
	}
	if item == nil {
		return s.skip(itemID, "", "item not found"), nil
	}
	if !strings.HasSuffix(item.Name, NoteExtension) {
		return s.skip(itemID, item.JopID, "not a note"), nil
	}

	content := ""
	if item.Content != nil {
		content = *item.Content
	}
	note, err := items.ParseNote(content)
	if err != nil {
		return Result{NoteID: item.JopID}, fmt.Errorf("item %s: %w", itemID, err)
	}
	if note.Empty() {
		return s.skip(itemID, item.JopID, "empty note"), nil
	}

	folderIDs, err := s.api.FolderIDs(ctx)
	if err != nil {
		return Result{NoteID: item.JopID}, err
	}
	if !slices.Contains(folderIDs, item.JopParentID) {
		return s.skip(itemID, item.JopID, "folder not synced"), nil
	}

	tags, err := s.store.TagNames(ctx, item.JopID)
	if err != nil {
		return Result{NoteID: item.JopID}, err
	}

	var article *linkparse.Article
	if s.links != nil {
		article, _ = s.links.Parse(ctx, note.Body)
	}

	upserted, err := s.api.UpsertNote(ctx, BuildPayload(item, note, tags, article))
	if err != nil {
		return Result{NoteID: item.JopID}, err
	}
	outcome := OutcomeCreated
	if upserted == postgrest.ResultUpdated {
		outcome = OutcomeUpdated
	}
	return Result{Outcome: outcome, NoteID: item.JopID}, nil
}

func (s *Service) skip(itemID, noteID, reason string) Result {
	s.logger.Debug("skipping item", "item_id", itemID, "note_id", noteID, "reason", reason)
	return Result{Outcome: OutcomeSkipped, NoteID: noteID, Reason: reason}
}

var jsonFalse = json.RawMessage(`false`)

// BuildPayload assembles the upsert body for a note.
func BuildPayload(item *items.Item, note items.Note, tags []string, article *linkparse.Article) postgrest.NotePayload {
	if tags == nil {
		tags = []string{}
	}
	payload := postgrest.NotePayload{
		NoteID:        item.JopID,
		Title:         note.Title,
		Body:          note.Body,
		ParentID:      item.JopParentID,
		CreatedTime:   note.CreatedTime,
		Tags:          tags,
		IsTodo:        orFalse(note.IsTodo),
		TodoDue:       orFalse(note.TodoDue),
		TodoCompleted: orFalse(note.TodoCompleted),
	}
	if note.Order != nil {
		order := roundHalfUp(*note.Order)
		payload.OrderID = &order
	}
	if article != nil {
		payload.LinkTextContent = &article.TextContent
		payload.LinkExcerpt = &article.Excerpt
		payload.LinkByline = &article.Byline
	}
	return payload
}

func orFalse(raw json.RawMessage) json.RawMessage {
	if items.Falsy(raw) {
		return jsonFalse
	}
	return raw
}

// roundHalfUp rounds ties toward positive infinity, so 2.5 -> 3 and -2.5 -> -2.
func roundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}
