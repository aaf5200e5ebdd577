package chatctx

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twinforge/twinchat/pkg/completion"
	"github.com/twinforge/twinchat/pkg/models"
	"github.com/twinforge/twinchat/pkg/persona"
	"github.com/twinforge/twinchat/pkg/store"
)

func seedChat(t *testing.T, s *store.MemoryStore, personaJSON string) *models.Chat {
	t.Helper()
	chat := &models.Chat{
		ID:            "chat-1",
		UserID:        "user-1",
		TwinID:        "twin-1",
		TwinName:      "Ada",
		PersonaData:   personaJSON,
		UserHasAccess: true,
		TwinIsActive:  true,
	}
	require.NoError(t, s.CreateChat(context.Background(), chat))
	return chat
}

func seedMessages(t *testing.T, s *store.MemoryStore, chatID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.CreateMessage(context.Background(), &models.Message{
			ChatID:      chatID,
			IsFromUser:  i%2 == 0,
			Type:        models.MessageTypeText,
			TextContent: fmt.Sprintf("message %d", i),
			Status:      models.MessageStatusSent,
		})
		require.NoError(t, err)
	}
}

func TestAssembleWindowAndRoles(t *testing.T) {
	s := store.NewMemoryStore()
	chat := seedChat(t, s, `{"persona_description":"A careful thinker.","speaking_style":"Formal"}`)
	seedMessages(t, s, chat.ID, 4)

	a, err := New(s)
	require.NoError(t, err)

	msgs, err := a.Assemble(context.Background(), chat)
	require.NoError(t, err)

	// system prompt, summary entry, 4 history messages
	require.Len(t, msgs, 6)
	require.Equal(t, completion.RoleSystem, msgs[0].Role)
	require.Equal(t, completion.RoleSystem, msgs[1].Role)

	sys, ok := msgs[0].Content.(string)
	require.True(t, ok)
	require.Contains(t, sys, "You are Ada.")
	require.Contains(t, sys, "A careful thinker.")
	require.Contains(t, sys, "Your speaking style is formal.")

	summary, ok := msgs[1].Content.(string)
	require.True(t, ok)
	require.Contains(t, summary, "You've exchanged 4 messages so far.")

	require.Equal(t, completion.RoleUser, msgs[2].Role)
	require.Equal(t, completion.RoleAssistant, msgs[3].Role)
	require.Equal(t, "message 0", msgs[2].Content)
	require.Equal(t, "message 3", msgs[5].Content)
}

func TestAssembleCapsWindowAtNewest(t *testing.T) {
	s := store.NewMemoryStore()
	chat := seedChat(t, s, "")
	seedMessages(t, s, chat.ID, 40)

	a, err := New(s, WithMaxMessages(15))
	require.NoError(t, err)

	msgs, err := a.Assemble(context.Background(), chat)
	require.NoError(t, err)

	// 2 system entries + 15 newest history messages
	require.Len(t, msgs, 17)
	require.Equal(t, "message 25", msgs[2].Content)
	require.Equal(t, "message 39", msgs[16].Content)
}

func TestAssembleEmptyChatHasNoSummary(t *testing.T) {
	s := store.NewMemoryStore()
	chat := seedChat(t, s, "")

	a, err := New(s)
	require.NoError(t, err)

	msgs, err := a.Assemble(context.Background(), chat)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, completion.RoleSystem, msgs[0].Role)
}

func TestAssembleSkipsEmptyTextContent(t *testing.T) {
	s := store.NewMemoryStore()
	chat := seedChat(t, s, "")
	_, err := s.CreateMessage(context.Background(), &models.Message{
		ChatID: chat.ID, IsFromUser: true, Type: models.MessageTypeVoice,
		VoiceID: "v1", Status: models.MessageStatusSent,
	})
	require.NoError(t, err)
	_, err = s.CreateMessage(context.Background(), &models.Message{
		ChatID: chat.ID, IsFromUser: true, Type: models.MessageTypeText,
		TextContent: "hello", Status: models.MessageStatusSent,
	})
	require.NoError(t, err)

	a, err := New(s)
	require.NoError(t, err)

	msgs, err := a.Assemble(context.Background(), chat)
	require.NoError(t, err)
	// system + summary + the one text message
	require.Len(t, msgs, 3)
	require.Equal(t, "hello", msgs[2].Content)
}

func TestTokenBudgetDropsOldestFirst(t *testing.T) {
	s := store.NewMemoryStore()
	chat := seedChat(t, s, "")
	for i := 0; i < 6; i++ {
		_, err := s.CreateMessage(context.Background(), &models.Message{
			ChatID: chat.ID, IsFromUser: true, Type: models.MessageTypeText,
			TextContent: strings.Repeat(fmt.Sprintf("filler%d ", i), 50),
			Status:      models.MessageStatusSent,
		})
		require.NoError(t, err)
	}

	full, err := New(s)
	require.NoError(t, err)
	fullMsgs, err := full.Assemble(context.Background(), chat)
	require.NoError(t, err)

	capped, err := New(s, WithTokenBudget(300))
	require.NoError(t, err)
	msgs, err := capped.Assemble(context.Background(), chat)
	require.NoError(t, err)

	require.Less(t, len(msgs), len(fullMsgs))
	// system entries and the newest message always survive
	require.Equal(t, completion.RoleSystem, msgs[0].Role)
	last := msgs[len(msgs)-1].Content.(string)
	require.Contains(t, last, "filler5")
}

func TestAssembleWithFileImage(t *testing.T) {
	s := store.NewMemoryStore()
	chat := seedChat(t, s, "")
	seedMessages(t, s, chat.ID, 2)

	a, err := New(s)
	require.NoError(t, err)

	msgs, err := a.AssembleWithFile(context.Background(), chat, FileContent{
		Name:     "photo.png",
		MimeType: "image/png",
		Data:     []byte{0x89, 0x50, 0x4e, 0x47},
	})
	require.NoError(t, err)

	last := msgs[len(msgs)-1]
	require.Equal(t, completion.RoleUser, last.Role)
	parts, ok := last.Content.([]completion.Part)
	require.True(t, ok)
	require.Len(t, parts, 2)
	require.Equal(t, "text", parts[0].Type)
	require.Contains(t, parts[0].Text, "photo.png")
	require.Equal(t, "image_url", parts[1].Type)
	require.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,"))
}

func TestAssembleWithFileTextInlined(t *testing.T) {
	s := store.NewMemoryStore()
	chat := seedChat(t, s, "")

	a, err := New(s)
	require.NoError(t, err)

	msgs, err := a.AssembleWithFile(context.Background(), chat, FileContent{
		Name:     "notes.txt",
		MimeType: "text/plain",
		Data:     []byte("some notes"),
	})
	require.NoError(t, err)

	last := msgs[len(msgs)-1]
	content, ok := last.Content.(string)
	require.True(t, ok)
	require.Contains(t, content, "notes.txt")
	require.Contains(t, content, "some notes")
}

func TestAssembleWithFileUnsupportedType(t *testing.T) {
	s := store.NewMemoryStore()
	chat := seedChat(t, s, "")

	a, err := New(s)
	require.NoError(t, err)

	msgs, err := a.AssembleWithFile(context.Background(), chat, FileContent{
		Name:     "archive.zip",
		MimeType: "application/zip",
		Data:     make([]byte, 2*1024*1024),
	})
	require.NoError(t, err)

	content, ok := msgs[len(msgs)-1].Content.(string)
	require.True(t, ok)
	require.Contains(t, content, "archive.zip")
	require.Contains(t, content, "2.00MB")
}

func TestSystemPromptDefaults(t *testing.T) {
	got := SystemPrompt("", persona.Data{})
	require.Contains(t, got, "You are AI Assistant.")
	require.Contains(t, got, "Your speaking style is friendly.")
}
