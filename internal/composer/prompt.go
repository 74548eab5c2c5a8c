package composer

import (
	"fmt"
	"strings"

	"github.com/ShayFeldboy1010/lustchatbot/internal/engine"
	"github.com/ShayFeldboy1010/lustchatbot/internal/retrieval"
)

const defaultMaxContextTokens = 3000

// DefaultSystemPrompt is the shop persona used when none is configured.
const DefaultSystemPrompt = `את/ה נציג/ת המכירות והשירות של LUST בצ'אט באתר.
ענה/י תמיד בעברית, בקצרה ובחום, בלי עיצוב Markdown.
מחירים, קישורים ופרטי מוצר מותר למסור רק מתוך המידע הרלוונטי שמצורף. אם המידע חסר, אמור/י שאין לך את הפרט והצע/י לגלוש באתר.
לפני שמירת הזמנה: אסוף/י שם מלא, טלפון, מוצר וכמות, כתובת מלאה ואמצעי תשלום, הצג/י סיכום ובקש/י אישור מפורש.`

// ActionInstructions tell the model how to signal a confirmed order. The
// generator strips the marker from the visible reply.
const ActionInstructions = `רק אחרי שהלקוח אישר את סיכום ההזמנה, הוסף/י בשורה האחרונה של התשובה:
<<action {"type":"create_order","fields":{"customer_name":"","customer_phone":"","customer_email":"","product_name":"","quantity":"1","full_address":"","payment_method":"","delivery_notes":""}}>>
אל תוסיף/י את השורה הזו בשום מקרה אחר.`

// Composer assembles the generation prompt from the shop persona, retrieved
// knowledge chunks and the recent conversation.
type Composer struct {
	SystemPrompt     string
	MaxContextTokens int
}

// New creates a Composer. An empty systemPrompt uses DefaultSystemPrompt and
// maxContextTokens <= 0 uses the default budget.
func New(systemPrompt string, maxContextTokens int) *Composer {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{SystemPrompt: systemPrompt, MaxContextTokens: maxContextTokens}
}

// Compose returns a single system message followed by history. System
// messages already present in history are dropped; the persona owns that slot.
func (c *Composer) Compose(history []engine.Message, chunks []retrieval.KnowledgeChunk) []engine.Message {
	var sb strings.Builder
	sb.WriteString(c.SystemPrompt)
	sb.WriteString("\n\n")
	sb.WriteString(ActionInstructions)
	sb.WriteString(c.buildKnowledge(chunks))

	msgs := make([]engine.Message, 0, len(history)+1)
	msgs = append(msgs, engine.Message{Role: "system", Content: sb.String()})
	for _, m := range history {
		if m.Role == "system" {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// buildKnowledge renders chunks in retrieval order until the token budget is
// spent. Chunks that do not fit are skipped so a smaller later one may still
// be included.
func (c *Composer) buildKnowledge(chunks []retrieval.KnowledgeChunk) string {
	if len(chunks) == 0 {
		return "\n\n[מידע רלוונטי]\nלא נמצא מידע רלוונטי במאגר."
	}

	const header = "\n\n[מידע רלוונטי]\n"
	remaining := c.MaxContextTokens - EstimateTokens(header)

	var entries []string
	for _, ch := range chunks {
		entry := formatChunk(ch)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		entries = append(entries, entry)
		remaining -= tokens
	}
	if len(entries) == 0 {
		return ""
	}
	return header + strings.Join(entries, "---\n")
}

func formatChunk(ch retrieval.KnowledgeChunk) string {
	title := ch.Title
	if title == "" {
		title = ch.SourceType + ":" + ch.SourceID
	}
	return fmt.Sprintf("(%s, %.2f)\n%s\n", title, ch.Score, strings.TrimSpace(ch.Text))
}

// EstimateTokens provides a rough token count using 4 bytes per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
