package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// directorSchema is the decision list the director must emit. should_generate
// and the legacy spawn flag are both optional and default to true.
const directorSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["character_name"],
    "properties": {
      "character_name": {"type": "string", "minLength": 1},
      "should_generate": {"type": "boolean"},
      "spawn": {"type": "boolean"},
      "relevant_info_from_storyteller": {"type": "string"},
      "character_prompt": {"type": "string"}
    }
  }
}`

// DirectorDecision routes one character for the current turn.
type DirectorDecision struct {
	CharacterName   string
	ShouldSpawn     bool
	VisibleInfo     string
	CharacterPrompt string
}

type rawDecision struct {
	CharacterName   string `json:"character_name"`
	ShouldGenerate  *bool  `json:"should_generate"`
	Spawn           *bool  `json:"spawn"`
	VisibleInfo     string `json:"relevant_info_from_storyteller"`
	CharacterPrompt string `json:"character_prompt"`
}

// DirectorParser validates director replies against the decision schema.
type DirectorParser struct {
	schema *gojsonschema.Schema
}

// NewDirectorParser compiles the decision schema.
func NewDirectorParser() (*DirectorParser, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(directorSchema))
	if err != nil {
		return nil, fmt.Errorf("compile director schema: %w", err)
	}
	return &DirectorParser{schema: schema}, nil
}

// Parse turns a director reply into decisions. Decisions naming the protagonist
// are dropped and repeated names keep their first occurrence. Anything that is
// not a schema-valid JSON array fails with *ProtocolParseError.
func (p *DirectorParser) Parse(raw, protagonist string) ([]DirectorDecision, error) {
	fail := func(err error) error { return &ProtocolParseError{Raw: raw, Err: err} }

	text := stripFence(strings.TrimSpace(raw))
	if text == "" {
		return nil, fail(errors.New("empty reply"))
	}
	if !json.Valid([]byte(text)) {
		return nil, fail(errors.New("reply is not valid JSON"))
	}

	result, err := p.schema.Validate(gojsonschema.NewStringLoader(text))
	if err != nil {
		return nil, fail(fmt.Errorf("schema validation failed: %w", err))
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fail(fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; ")))
	}

	var raws []rawDecision
	if err := json.Unmarshal([]byte(text), &raws); err != nil {
		return nil, fail(err)
	}

	seen := make(map[string]bool, len(raws))
	decisions := make([]DirectorDecision, 0, len(raws))
	for i, r := range raws {
		name := cleanName(r.CharacterName)
		if name == "" {
			return nil, fail(fmt.Errorf("decision %d: character_name is blank", i))
		}
		key := strings.ToLower(name)
		if isProtagonist(name, protagonist) || seen[key] {
			continue
		}
		seen[key] = true

		spawn := true
		switch {
		case r.ShouldGenerate != nil:
			spawn = *r.ShouldGenerate
		case r.Spawn != nil:
			spawn = *r.Spawn
		}

		decisions = append(decisions, DirectorDecision{
			CharacterName:   name,
			ShouldSpawn:     spawn,
			VisibleInfo:     strings.TrimSpace(r.VisibleInfo),
			CharacterPrompt: strings.TrimSpace(r.CharacterPrompt),
		})
	}
	return decisions, nil
}

// stripFence removes one surrounding markdown code fence, if present.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	// drop the info string, e.g. ```json
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "[{") {
		body = body[nl+1:]
	}
	return strings.TrimSpace(body)
}

// cleanName strips the bold markers the storyteller wraps names in.
func cleanName(name string) string {
	return strings.TrimSpace(strings.ReplaceAll(name, "**", ""))
}

func isProtagonist(name, protagonist string) bool {
	protagonist = cleanName(protagonist)
	return protagonist != "" && strings.EqualFold(name, protagonist)
}
