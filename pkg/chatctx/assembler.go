// Package chatctx assembles the bounded prompt window sent to the
// completion service: persona system prompt, optional conversation summary,
// and the most recent chat messages in chronological order.
package chatctx

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/twinforge/twinchat/pkg/completion"
	"github.com/twinforge/twinchat/pkg/models"
	"github.com/twinforge/twinchat/pkg/persona"
	"github.com/twinforge/twinchat/pkg/store"
)

// DefaultMaxMessages is the message-count cap on the history window.
const DefaultMaxMessages = 15

// Assembler builds completion prompts from persisted chat state.
type Assembler struct {
	store       store.Store
	maxMessages int
	maxTokens   int
	codec       tokenizer.Codec
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithMaxMessages overrides the history window size.
func WithMaxMessages(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxMessages = n
		}
	}
}

// WithTokenBudget caps the assembled prompt at maxTokens, measured with the
// cl100k encoding. Oldest window messages are dropped first while over
// budget; the system entries are never dropped.
func WithTokenBudget(maxTokens int) Option {
	return func(a *Assembler) { a.maxTokens = maxTokens }
}

// New returns an Assembler reading history from s.
func New(s store.Store, opts ...Option) (*Assembler, error) {
	a := &Assembler{
		store:       s,
		maxMessages: DefaultMaxMessages,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.maxTokens > 0 {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return nil, errors.Wrap(err, "loading cl100k tokenizer")
		}
		a.codec = codec
	}
	return a, nil
}

// Assemble builds the prompt for a plain text turn. The current inbound
// message is expected to already be persisted, so it arrives as the last
// entry of the history window.
func (a *Assembler) Assemble(ctx context.Context, chat *models.Chat) ([]completion.Message, error) {
	msgs, err := a.window(ctx, chat)
	if err != nil {
		return nil, err
	}
	return a.trim(msgs), nil
}

// FileContent is the fetched payload of a shared file.
type FileContent struct {
	Name     string
	MimeType string
	Data     []byte
}

// AssembleWithFile builds the prompt for a file turn: the normal window plus
// a final multimodal user entry carrying the file. Images and PDFs travel as
// base64 data URLs; text files are inlined; anything else is described by
// metadata only.
func (a *Assembler) AssembleWithFile(ctx context.Context, chat *models.Chat, file FileContent) ([]completion.Message, error) {
	msgs, err := a.window(ctx, chat)
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, fileMessage(file))
	return a.trim(msgs), nil
}

func (a *Assembler) window(ctx context.Context, chat *models.Chat) ([]completion.Message, error) {
	p := persona.Parse(chat.PersonaData)

	out := []completion.Message{{
		Role:    completion.RoleSystem,
		Content: SystemPrompt(chat.TwinName, p),
	}}

	summary, err := a.store.Summary(ctx, chat.ID)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chat.ID).Msg("conversation summary unavailable")
	} else if text := SummaryPrompt(summary); text != "" {
		out = append(out, completion.Message{Role: completion.RoleSystem, Content: text})
	}

	history, err := a.store.RecentMessages(ctx, chat.ID, a.maxMessages)
	if err != nil {
		return nil, errors.Wrap(err, "loading recent messages")
	}
	for _, m := range history {
		if strings.TrimSpace(m.TextContent) == "" {
			// untranscribed voice notes and bare file messages carry no text
			continue
		}
		role := completion.RoleAssistant
		if m.IsFromUser {
			role = completion.RoleUser
		}
		out = append(out, completion.Message{Role: role, Content: m.TextContent})
	}
	return out, nil
}

// trim drops the oldest non-system entries while the prompt exceeds the
// token budget. System entries and the newest entry always survive.
func (a *Assembler) trim(msgs []completion.Message) []completion.Message {
	if a.codec == nil || a.maxTokens <= 0 {
		return msgs
	}
	sys := 0
	for sys < len(msgs) {
		if msgs[sys].Role != completion.RoleSystem {
			break
		}
		sys++
	}
	for len(msgs) > sys+1 && a.promptTokens(msgs) > a.maxTokens {
		copy(msgs[sys:], msgs[sys+1:])
		msgs = msgs[:len(msgs)-1]
	}
	return msgs
}

func (a *Assembler) promptTokens(msgs []completion.Message) int {
	total := 0
	for _, m := range msgs {
		text, ok := m.Content.(string)
		if !ok {
			continue
		}
		ids, _, err := a.codec.Encode(text)
		if err != nil {
			// fall back to a rough estimate rather than failing the turn
			total += len(text) / 4
			continue
		}
		total += len(ids)
	}
	return total
}

// SystemPrompt renders the persona into the leading system entry.
func SystemPrompt(twinName string, p persona.Data) string {
	name := twinName
	if name == "" {
		name = persona.DefaultTwinName
	}
	style := p.Style()
	if style == "" {
		style = "friendly"
	}

	parts := []string{fmt.Sprintf("You are %s.", name)}
	if p.Description != "" {
		parts = append(parts, p.Description)
	}
	parts = append(parts, fmt.Sprintf("Your speaking style is %s.", style))
	if p.Interests != "" {
		parts = append(parts, fmt.Sprintf("Your interests include: %s", p.Interests))
	}
	if p.Background != "" {
		parts = append(parts, fmt.Sprintf("Your background: %s", p.Background))
	}
	if p.KnowledgeAreas != "" {
		parts = append(parts, fmt.Sprintf("You have knowledge in: %s", p.KnowledgeAreas))
	}
	parts = append(parts,
		"Remember past conversations with the user and maintain continuity.",
		"Respond naturally to the user's messages. "+
			"Vary your response length based on the context: "+
			"Keep it short for greetings or thanks. Be helpful but concise. "+
			"Offer detailed help only when the user's question needs it.",
		"Use friendly and relevant emojis to make responses feel warm and human. "+
			"Don't overuse them: 1 to 2 emojis is usually enough. "+
			"Only include emojis where it feels natural.",
	)
	return strings.Join(parts, " ")
}

// SummaryPrompt renders conversation metadata into a continuity reminder.
// Empty conversations yield no entry.
func SummaryPrompt(s models.ChatSummary) string {
	if s.TotalMessages == 0 {
		return ""
	}
	name := s.TwinName
	if name == "" {
		name = "the user"
	}
	started := "an unknown date"
	if s.StartedAt != nil {
		started = s.StartedAt.Format("January 2, 2006")
	}
	return fmt.Sprintf(
		"Conversation context: This conversation with %s started on %s. "+
			"You've exchanged %d messages so far. "+
			"Remember to maintain continuity with your past responses.",
		name, started, s.TotalMessages,
	)
}

func fileMessage(file FileContent) completion.Message {
	name := file.Name
	if name == "" {
		name = "file"
	}
	switch {
	case strings.HasPrefix(file.MimeType, "image/"):
		return completion.Message{
			Role: completion.RoleUser,
			Content: []completion.Part{
				{
					Type: "text",
					Text: fmt.Sprintf("I've shared an image file named '%s'. Please analyze it and tell me what you see.", name),
				},
				{
					Type:     "image_url",
					ImageURL: &completion.ImageURL{URL: dataURL(file.MimeType, file.Data)},
				},
			},
		}
	case file.MimeType == "application/pdf":
		return completion.Message{
			Role: completion.RoleUser,
			Content: []completion.Part{
				{
					Type: "text",
					Text: fmt.Sprintf("I've shared a PDF file named '%s'. Please analyze its content and summarize what it contains.", name),
				},
				{
					Type:     "image_url",
					ImageURL: &completion.ImageURL{URL: dataURL(file.MimeType, file.Data)},
				},
			},
		}
	case strings.HasPrefix(file.MimeType, "text/"):
		return completion.Message{
			Role: completion.RoleUser,
			Content: fmt.Sprintf(
				"I've shared a text file named '%s'. Here's its content:\n\n%s\n\nPlease analyze this content and provide your thoughts.",
				name, string(file.Data),
			),
		}
	default:
		sizeMB := float64(len(file.Data)) / (1024 * 1024)
		return completion.Message{
			Role: completion.RoleUser,
			Content: fmt.Sprintf(
				"I've shared a file named '%s' (%s, %.2fMB). While I can't process this file type directly, please let me know how I can help you with it.",
				name, file.MimeType, sizeMB,
			),
		}
	}
}

func dataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
