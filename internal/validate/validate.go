// Package validate turns raw model output into accepted actor data. It is
// strict on purpose: a response either yields a complete, well-formed set of
// children or it yields nothing, with an error precise enough for the retry
// layer to pick the right recovery.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"

	"worldtree/internal/actor"
)

// TruncatedError reports output that ends mid-structure. The response was
// cut off, usually by the output token cap; the fix is asking for less.
type TruncatedError struct {
	Reason string
}

func (e *TruncatedError) Error() string {
	return "response truncated: " + e.Reason
}

// SchemaError reports well-formed JSON whose content fails the field checks.
// The model understood JSON but not the schema; the fix is a firmer prompt.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string {
	return "schema validation failed: " + e.Reason
}

// Wire schemas match what the prompts instruct the model to emit.

type rootsWire struct {
	Actors     []actorWire `json:"actors"`
	TotalCount int         `json:"total_count"`
}

type childrenWire struct {
	SubActors   []actorWire `json:"sub_actors"`
	TotalCount  int         `json:"total_count"`
	ParentActor string      `json:"parent_actor"`
}

type actorWire struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	ParentActor string `json:"parent_actor"`
}

type parameterWire struct {
	CodeName      string `json:"code_name"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Type          string `json:"type"`
	ExpectedValue any    `json:"expected_value"`
}

// Roots parses a top-level actor listing.
func Roots(raw string) ([]actor.Actor, error) {
	text := stripFences(raw)
	if err := checkComplete(text); err != nil {
		return nil, err
	}

	var wire rootsWire
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return nil, &SchemaError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if len(wire.Actors) == 0 {
		return nil, &SchemaError{Reason: "no actors in response"}
	}

	actors := make([]actor.Actor, 0, len(wire.Actors))
	for i, w := range wire.Actors {
		a, err := fromWire(w, 0, "")
		if err != nil {
			return nil, &SchemaError{Reason: fmt.Sprintf("actor %d: %v", i, err)}
		}
		actors = append(actors, a)
	}
	return actors, nil
}

// Children parses one node expansion. wantParent pins provenance; a response
// claiming a different parent is rejected whole. All children pass the field
// checks or none are returned.
func Children(raw, wantParent string, level int) ([]actor.Actor, error) {
	text := stripFences(raw)
	if err := checkComplete(text); err != nil {
		return nil, err
	}

	var wire childrenWire
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return nil, &SchemaError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if len(wire.SubActors) == 0 {
		return nil, &SchemaError{Reason: "no sub_actors in response"}
	}
	if wire.ParentActor != "" && wire.ParentActor != wantParent {
		return nil, &SchemaError{Reason: fmt.Sprintf("parent mismatch: got %q, want %q", wire.ParentActor, wantParent)}
	}

	children := make([]actor.Actor, 0, len(wire.SubActors))
	for i, w := range wire.SubActors {
		a, err := fromWire(w, level, wantParent)
		if err != nil {
			return nil, &SchemaError{Reason: fmt.Sprintf("sub_actor %d: %v", i, err)}
		}
		children = append(children, a)
	}
	return children, nil
}

// Parameters parses a leaf parameter listing. The model is asked for exactly
// n entries; fewer is tolerated, none is not.
func Parameters(raw string, n int) ([]actor.Parameter, error) {
	text := stripFences(raw)
	if err := checkComplete(text); err != nil {
		return nil, err
	}

	var wire []parameterWire
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return nil, &SchemaError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if len(wire) == 0 {
		return nil, &SchemaError{Reason: "no parameters in response"}
	}
	if len(wire) > n {
		wire = wire[:n]
	}

	params := make([]actor.Parameter, 0, len(wire))
	for i, w := range wire {
		if w.CodeName == "" || w.Name == "" {
			return nil, &SchemaError{Reason: fmt.Sprintf("parameter %d: missing code_name or name", i)}
		}
		params = append(params, actor.Parameter{
			CodeName:      strings.TrimSpace(w.CodeName),
			DisplayName:   strings.TrimSpace(w.Name),
			Description:   strings.TrimSpace(w.Description),
			ValueType:     actor.NormalizeValueType(w.Type),
			ExpectedValue: fmt.Sprintf("%v", w.ExpectedValue),
		})
	}
	return params, nil
}

func fromWire(w actorWire, level int, parent string) (actor.Actor, error) {
	name := strings.TrimSpace(w.Name)
	if name == "" {
		return actor.Actor{}, fmt.Errorf("empty name")
	}
	if strings.TrimSpace(w.Description) == "" {
		return actor.Actor{}, fmt.Errorf("empty description for %q", name)
	}
	if strings.TrimSpace(w.Type) == "" {
		return actor.Actor{}, fmt.Errorf("empty type for %q", name)
	}
	parentName := parent
	if parentName == "" {
		parentName = strings.TrimSpace(w.ParentActor)
	}
	return actor.Actor{
		Name:        name,
		Description: strings.TrimSpace(w.Description),
		Type:        strings.TrimSpace(w.Type),
		Depth:       level,
		ParentName:  parentName,
	}, nil
}

// stripFences removes a surrounding markdown code fence and any prose the
// model wrapped around the JSON body.
func stripFences(raw string) string {
	text := strings.TrimSpace(raw)

	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.LastIndex(text, "```"); end >= 0 {
			text = text[:end]
		}
		return strings.TrimSpace(text)
	}

	// No fence. Trim leading prose up to the first brace or bracket.
	if start := strings.IndexAny(text, "{["); start > 0 {
		text = text[start:]
	}
	return strings.TrimSpace(text)
}

// checkComplete detects output that stops mid-structure. Bracket balance is
// tracked outside string literals; a positive depth at EOF or a dangling
// string means the generation was cut off rather than malformed.
func checkComplete(text string) error {
	if text == "" {
		return &TruncatedError{Reason: "empty response"}
	}

	depth := 0
	inString := false
	escaped := false
	for _, r := range text {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString:
			if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
		case r == '"':
			inString = true
		case r == '{' || r == '[':
			depth++
		case r == '}' || r == ']':
			depth--
		}
	}

	if inString {
		return &TruncatedError{Reason: "unterminated string literal"}
	}
	if depth > 0 {
		return &TruncatedError{Reason: fmt.Sprintf("%d unclosed brackets", depth)}
	}
	return nil
}
