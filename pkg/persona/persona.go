package persona

import (
	"encoding/json"
	"strings"
)

const DefaultTwinName = "AI Assistant"

// Data holds the structured persona attributes of a twin. Every field is
// optional; absent or malformed persona blobs degrade to zero values and the
// prompt builder falls back to generic defaults.
type Data struct {
	Description    string `json:"persona_description"`
	SpeakingStyle  string `json:"speaking_style"`
	Interests      string `json:"interests"`
	Background     string `json:"background"`
	KnowledgeAreas string `json:"knowledge_areas"`
}

// Parse decodes a raw persona blob. Invalid JSON or a non-object payload
// yields an empty Data rather than an error; persona problems must never
// break the conversation pipeline.
func Parse(raw string) Data {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Data{}
	}
	var d Data
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Data{}
	}
	return d
}

// Style returns the normalized speaking-style tag.
func (d Data) Style() string {
	return strings.ToLower(strings.TrimSpace(d.SpeakingStyle))
}

// ShortDescription returns the first maxWords words of the persona
// description, used for deterministic greetings.
func (d Data) ShortDescription(maxWords int) string {
	fields := strings.Fields(d.Description)
	if len(fields) == 0 || maxWords <= 0 {
		return ""
	}
	if len(fields) > maxWords {
		fields = fields[:maxWords]
	}
	return strings.Join(fields, " ")
}
