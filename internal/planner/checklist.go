package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/notfolder/coding-agent-sub002/internal/llm"
)

// Action is one checklist item. Order is stable within an execution pass.
type Action struct {
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

// Checklist is the ordered plan produced by one PLANNING pass.
type Checklist struct {
	Items []Action `json:"items"`
}

func (c Checklist) clone() Checklist {
	return Checklist{Items: append([]Action(nil), c.Items...)}
}

const checklistSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "checklist": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    }
  },
  "required": ["checklist"]
}`

var compiledChecklistSchema = mustCompileChecklistSchema()

func mustCompileChecklistSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("checklist.schema.json", strings.NewReader(checklistSchema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("checklist.schema.json")
}

// ParseChecklist decodes and validates a PLANNING reply into an ordered,
// well-formed checklist. Anything that fails the schema is reported so the
// caller can spend its retry budget re-prompting.
func ParseChecklist(raw string) (Checklist, error) {
	payload, ok := llm.ExtractJSONObject(raw)
	if !ok {
		return Checklist{}, fmt.Errorf("no JSON object in planning reply")
	}
	var generic interface{}
	if err := json.Unmarshal([]byte(payload), &generic); err != nil {
		return Checklist{}, fmt.Errorf("invalid JSON in planning reply: %w", err)
	}
	if err := compiledChecklistSchema.Validate(generic); err != nil {
		return Checklist{}, fmt.Errorf("checklist schema violation: %w", err)
	}

	var decoded struct {
		Checklist []string `json:"checklist"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return Checklist{}, err
	}
	items := make([]Action, 0, len(decoded.Checklist))
	for _, description := range decoded.Checklist {
		description = strings.TrimSpace(description)
		if description == "" {
			continue
		}
		items = append(items, Action{Description: description})
	}
	if len(items) == 0 {
		return Checklist{}, fmt.Errorf("checklist has no usable items")
	}
	return Checklist{Items: items}, nil
}
