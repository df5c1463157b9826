package llm

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// replySchema is the contract a structured model reply must satisfy before
// any field is trusted.
const replySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["tool", "done"]},
    "tool": {"type": "string", "minLength": 1},
    "args": {"type": "object"},
    "comment": {"type": "string"}
  },
  "required": ["action"],
  "if": {"properties": {"action": {"const": "tool"}}},
  "then": {"required": ["tool"]}
}`

var compiledReplySchema = mustCompileReplySchema()

func mustCompileReplySchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("reply.schema.json", strings.NewReader(replySchema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("reply.schema.json")
}

type rawReply struct {
	Action  string          `json:"action"`
	Tool    string          `json:"tool"`
	Args    json.RawMessage `json:"args"`
	Comment string          `json:"comment"`
}

// ParseReply extracts the structured payload from a model turn and decodes
// it into the closed Reply type. Models wrap JSON in fences or prose often
// enough that the extractor tolerates both; everything past extraction is
// strict.
func ParseReply(raw string) (Reply, error) {
	payload, ok := ExtractJSONObject(raw)
	if !ok {
		return Reply{}, &MalformedReplyError{Raw: raw, Reason: "no JSON object found"}
	}

	var generic interface{}
	if err := json.Unmarshal([]byte(payload), &generic); err != nil {
		return Reply{}, &MalformedReplyError{Raw: raw, Reason: "invalid JSON: " + err.Error()}
	}
	if err := compiledReplySchema.Validate(generic); err != nil {
		return Reply{}, &MalformedReplyError{Raw: raw, Reason: "schema violation: " + err.Error()}
	}

	var decoded rawReply
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return Reply{}, &MalformedReplyError{Raw: raw, Reason: "decode: " + err.Error()}
	}

	switch decoded.Action {
	case "tool":
		return Reply{Tool: &ToolCommand{
			Tool:    strings.TrimSpace(decoded.Tool),
			Args:    decoded.Args,
			Comment: decoded.Comment,
		}}, nil
	case "done":
		return Reply{Completion: &Completion{Comment: decoded.Comment}}, nil
	default:
		return Reply{}, &MalformedReplyError{Raw: raw, Reason: "unknown action " + decoded.Action}
	}
}

// ExtractJSONObject finds the outermost JSON object in a model turn,
// preferring a fenced block when one exists.
func ExtractJSONObject(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if fenced, ok := extractFencedBlock(raw); ok {
		raw = fenced
	}
	start := strings.Index(raw, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

func extractFencedBlock(raw string) (string, bool) {
	start := strings.Index(raw, "```")
	if start < 0 {
		return "", false
	}
	rest := raw[start+3:]
	if newline := strings.Index(rest, "\n"); newline >= 0 {
		rest = rest[newline+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
