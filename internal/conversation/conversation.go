// Package conversation decodes and validates submitted chat transcripts.
package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Role attributes a turn to one side of the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    Role   `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"notblank"`
}

// Conversation is an ordered, non-empty sequence of turns.
type Conversation []Turn

// AssistantTurns counts the turns eligible for flagging.
func (c Conversation) AssistantTurns() int {
	n := 0
	for _, t := range c {
		if t.Role == RoleAssistant {
			n++
		}
	}
	return n
}

// IsAssistantTurn reports whether index refers to an assistant turn.
func (c Conversation) IsAssistantTurn(index int) bool {
	return index >= 0 && index < len(c) && c[index].Role == RoleAssistant
}

var (
	ErrMalformedInput    = errors.New("malformed input")
	ErrEmptyConversation = errors.New("empty conversation")
	ErrBadTurnShape      = errors.New("bad turn shape")
)

// TurnError reports which turn failed validation. It matches ErrBadTurnShape with errors.Is.
type TurnError struct {
	Index  int
	Reason string
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %d: %s", e.Index, e.Reason)
}

func (e *TurnError) Unwrap() error {
	return ErrBadTurnShape
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// rawTurn accepts "id" as a legacy alias for "role".
type rawTurn struct {
	Role    *string         `json:"role"`
	ID      *string         `json:"id"`
	Content json.RawMessage `json:"content"`
}

// Validate decodes raw into a Conversation. It has no side effects.
func Validate(raw []byte) (Conversation, error) {
	raw = bytes.TrimSpace(bytes.TrimPrefix(raw, utf8BOM))
	if len(raw) == 0 || raw[0] != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array of turns", ErrMalformedInput)
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if len(elems) == 0 {
		return nil, ErrEmptyConversation
	}

	out := make(Conversation, 0, len(elems))
	for i, elem := range elems {
		turn, err := decodeTurn(i, elem)
		if err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	return out, nil
}

func decodeTurn(index int, elem json.RawMessage) (Turn, error) {
	trimmed := bytes.TrimSpace(elem)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Turn{}, &TurnError{Index: index, Reason: "must be an object"}
	}

	var rt rawTurn
	if err := json.Unmarshal(trimmed, &rt); err != nil {
		return Turn{}, &TurnError{Index: index, Reason: "role and content must be strings"}
	}

	role := ""
	switch {
	case rt.Role != nil:
		role = *rt.Role
	case rt.ID != nil:
		role = *rt.ID
	}

	var content string
	if len(rt.Content) > 0 {
		if err := json.Unmarshal(rt.Content, &content); err != nil {
			return Turn{}, &TurnError{Index: index, Reason: "content must be a string"}
		}
	}

	turn := Turn{
		Role:    Role(strings.ToLower(strings.TrimSpace(role))),
		Content: content,
	}
	if err := validate().Struct(turn); err != nil {
		return Turn{}, &TurnError{Index: index, Reason: describe(err)}
	}
	return turn, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Field() {
	case "role":
		if fe.Tag() == "required" {
			return "missing role"
		}
		return "role must be user or assistant"
	case "content":
		return "content must be a non-empty string"
	}
	return fe.Error()
}

var (
	validateOnce sync.Once
	validateInst *validator.Validate
)

func validate() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
		validateInst = v
	})
	return validateInst
}
