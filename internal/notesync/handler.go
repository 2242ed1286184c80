package notesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrMalformedPayload = errors.New("malformed notification payload")

const (
	changeEventSchemaURL = "https://notesync.local/schemas/change-event.json"
	changeEventSchema    = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1}
	}
}`
)

// ChangeEvent is the part of an items_changes notification this service reads.
type ChangeEvent struct {
	ID string `json:"id"`
}

type ChangeHandler interface {
	HandleChange(ctx context.Context, itemID string) (Result, error)
}

// Handler turns raw notification payloads into HandleChange calls and logs
// their outcome.
type Handler struct {
	changes ChangeHandler
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

func NewHandler(changes ChangeHandler, logger *slog.Logger) (*Handler, error) {
	if changes == nil {
		return nil, fmt.Errorf("%w: change handler is required", ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileChangeEventSchema()
	if err != nil {
		return nil, fmt.Errorf("compile change event schema: %w", err)
	}
	return &Handler{changes: changes, schema: schema, logger: logger}, nil
}

// HandleNotification processes one notification payload. A returned error
// means the event was dropped; the caller is expected to log it together with
// the raw payload.
func (h *Handler) HandleNotification(ctx context.Context, payload string) error {
	event, err := h.Decode(payload)
	if err != nil {
		return err
	}
	result, err := h.changes.HandleChange(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("sync item %s: %w", event.ID, err)
	}
	switch result.Outcome {
	case OutcomeCreated:
		h.logger.Info("created note from item", "item_id", event.ID, "note_id", result.NoteID)
	case OutcomeUpdated:
		h.logger.Info("updated note from item", "item_id", event.ID, "note_id", result.NoteID)
	}
	return nil
}

// Decode validates and decodes a notification payload. Fields other than id
// are ignored.
func (h *Handler) Decode(payload string) (ChangeEvent, error) {
	if strings.TrimSpace(payload) == "" {
		return ChangeEvent{}, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := h.schema.Validate(inst); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var event ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return event, nil
}

func compileChangeEventSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(changeEventSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(changeEventSchemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(changeEventSchemaURL)
}
