package extraction

import (
	"fmt"
	"strings"

	"github.com/nova-labs/inbox-sync/internal/model"
)

// spamSchema is the minimal structured-output schema for the spam gate.
const spamSchema = `{
	"type": "object",
	"properties": {
		"is_spam": {"type": "boolean"},
		"is_promotional": {"type": "boolean"},
		"confidence": {"type": "number"},
		"reasoning": {"type": "string"}
	},
	"required": ["is_spam", "is_promotional", "confidence", "reasoning"]
}`

// spamVerdict is the classifier's answer for one thread.
type spamVerdict struct {
	IsSpam        bool    `json:"is_spam"`
	IsPromotional bool    `json:"is_promotional"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
}

func spamPrompt(t model.Thread) string {
	var b strings.Builder
	b.WriteString("Classify the following email thread as spam and/or promotional.\n\n")
	fmt.Fprintf(&b, "Subject: %s\n", t.Subject)
	fmt.Fprintf(&b, "Participants: %s\n", strings.Join(t.Participants, ", "))
	return b.String()
}

// extractionSchema is the fixed structured-output schema for a thread
// extraction. Field names line up with extractionResult's json tags.
const extractionSchema = `{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"intent": {"type": "string"},
		"urgency": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
		"sentiment": {"type": "string", "enum": ["negative", "neutral", "positive"]},
		"needs_reply": {"type": "boolean"},
		"actionability": {"type": "string"},
		"scores": {"type": "object", "additionalProperties": {"type": "number"}},
		"tags": {"type": "array", "items": {"type": "string"}},
		"tasks": {"type": "array", "items": {"type": "string"}},
		"risks": {"type": "array", "items": {"type": "string"}},
		"keywords": {"type": "array", "items": {"type": "string"}},
		"entities": {"type": "array", "items": {"type": "string"}},
		"participants": {"type": "array", "items": {"type": "string"}},
		"project_tag": {"type": "string"},
		"message_type": {"type": "string"},
		"is_reply": {"type": "boolean"},
		"is_forward": {"type": "boolean"},
		"reading_time_sec": {"type": "integer"}
	},
	"required": ["summary", "intent", "urgency", "sentiment", "needs_reply", "actionability"]
}`

// extractionResult is the unmarshal target for the LLM's structured output.
type extractionResult struct {
	Summary        string             `json:"summary"`
	Intent         string             `json:"intent"`
	Urgency        string             `json:"urgency"`
	Sentiment      string             `json:"sentiment"`
	NeedsReply     bool               `json:"needs_reply"`
	Actionability  string             `json:"actionability"`
	Scores         map[string]float64 `json:"scores"`
	Tags           []string           `json:"tags"`
	Tasks          []string           `json:"tasks"`
	Risks          []string           `json:"risks"`
	Keywords       []string           `json:"keywords"`
	Entities       []string           `json:"entities"`
	Participants   []string           `json:"participants"`
	ProjectTag     string             `json:"project_tag"`
	MessageType    string             `json:"message_type"`
	IsReply        bool               `json:"is_reply"`
	IsForward      bool               `json:"is_forward"`
	ReadingTimeSec int                `json:"reading_time_sec"`
}

func (r extractionResult) toRecord(t model.Thread, version int) model.ExtractionRecord {
	return model.ExtractionRecord{
		ThreadID:          t.ThreadID,
		ExtractionVersion: version,
		Summary:           r.Summary,
		Intent:            r.Intent,
		Urgency:           r.Urgency,
		Sentiment:         r.Sentiment,
		NeedsReply:        r.NeedsReply,
		Actionability:     r.Actionability,
		Scores:            r.Scores,
		Tags:              r.Tags,
		Tasks:             r.Tasks,
		Risks:             r.Risks,
		Keywords:          r.Keywords,
		Entities:          r.Entities,
		Participants:      r.Participants,
		ProjectTag:        r.ProjectTag,
		MessageType:       r.MessageType,
		IsReply:           r.IsReply,
		IsForward:         r.IsForward,
		ReadingTimeSec:    r.ReadingTimeSec,
	}
}

// composeTranscript renders a thread's messages, already in chronological
// order, into the prompt transcript.
func composeTranscript(t model.Thread, msgs []model.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", t.Subject)
	fmt.Fprintf(&b, "Participants: %s\n\n", strings.Join(t.Participants, ", "))
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s:\n%s\n\n", m.SentAt.UTC().Format("2006-01-02 15:04"), m.Sender, m.Snippet)
	}
	return b.String()
}

func extractionPrompt(transcript string) string {
	return "Analyze the following support email thread and produce the structured record described by the schema.\n\n" + transcript
}
