package items

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedPayload = errors.New("malformed item content")

// Note is the decoded content of a note item.
//
// Defaults applied when a field is missing or falsy in the source JSON:
//
//	title           ""
//	body            ""
//	created_time    passed through (absent stays absent)
//	order           passed through when numeric, otherwise absent
//	is_todo         passed through
//	todo_due        passed through
//	todo_completed  passed through
type Note struct {
	Title         string
	Body          string
	CreatedTime   json.RawMessage
	Order         *float64
	IsTodo        json.RawMessage
	TodoDue       json.RawMessage
	TodoCompleted json.RawMessage
}

// Empty reports whether the note has neither a title nor a body. Empty notes
// are never synced.
func (n Note) Empty() bool {
	return n.Title == "" && n.Body == ""
}

type noteContent struct {
	Title         json.RawMessage `json:"title"`
	Body          json.RawMessage `json:"body"`
	CreatedTime   json.RawMessage `json:"created_time"`
	Order         json.RawMessage `json:"order"`
	IsTodo        json.RawMessage `json:"is_todo"`
	TodoDue       json.RawMessage `json:"todo_due"`
	TodoCompleted json.RawMessage `json:"todo_completed"`
}

func ParseNote(content string) (Note, error) {
	var raw noteContent
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	note := Note{
		Title:         textOrEmpty(raw.Title),
		Body:          textOrEmpty(raw.Body),
		CreatedTime:   present(raw.CreatedTime),
		IsTodo:        present(raw.IsTodo),
		TodoDue:       present(raw.TodoDue),
		TodoCompleted: present(raw.TodoCompleted),
	}
	var order float64
	if rawOrder := present(raw.Order); rawOrder != nil && json.Unmarshal(rawOrder, &order) == nil {
		note.Order = &order
	}
	return note, nil
}

// Falsy reports whether a JSON value is absent, null, false, 0 or "".
func Falsy(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	switch string(trimmed) {
	case "null", "false", `""`:
		return true
	}
	var number float64
	if json.Unmarshal(trimmed, &number) == nil {
		return number == 0
	}
	return false
}

func textOrEmpty(raw json.RawMessage) string {
	if Falsy(raw) {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(bytes.TrimSpace(raw))
}

// present keeps a raw value verbatim, mapping an explicit null to absent.
func present(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	return trimmed
}
