package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/memvault/memvault/internal/engine"
	"github.com/memvault/memvault/internal/memory"
	"github.com/memvault/memvault/internal/retrieval"
)

const defaultMaxContextChars = 16000

const systemPreamble = `You are a local personal assistant. Answer the question using the
retrieved excerpts below. Cite the source path when it matters. If the
excerpts do not contain the answer, say so instead of guessing.`

// Composer assembles chat prompts from retrieved excerpts, recent
// conversation turns, and the user question.
type Composer struct {
	MaxContextChars int
}

// New creates a Composer with the given character budget for injected
// context. If maxContextChars <= 0, the default (16000) is used.
func New(maxContextChars int) *Composer {
	if maxContextChars <= 0 {
		maxContextChars = defaultMaxContextChars
	}
	return &Composer{MaxContextChars: maxContextChars}
}

// Compose builds the message list for the answer model: a system message
// carrying the budgeted excerpts, recent conversation turns in order, then
// the question itself.
func (c *Composer) Compose(question string, hits []retrieval.Hit, history []memory.Message) []engine.Message {
	msgs := make([]engine.Message, 0, len(history)+2)
	msgs = append(msgs, engine.Message{
		Role:    "system",
		Content: c.buildSystem(hits),
	})
	for _, m := range history {
		msgs = append(msgs, engine.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, engine.Message{Role: "user", Content: question})
	return msgs
}

// buildSystem renders the system message, dropping lowest-scoring excerpts
// first when the budget is tight.
func (c *Composer) buildSystem(hits []retrieval.Hit) string {
	var sb strings.Builder
	sb.WriteString(systemPreamble)

	if len(hits) == 0 {
		return sb.String()
	}

	// Best score first; ties keep retrieval order.
	sorted := make([]retrieval.Hit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	contextHeader := "\n\n[Retrieved Excerpts]\n"
	remaining := c.MaxContextChars - sb.Len() - len(contextHeader)

	var selected []string
	for _, h := range sorted {
		entry := formatHit(h)
		if len(entry) > remaining {
			continue
		}
		selected = append(selected, entry)
		remaining -= len(entry)
	}

	if len(selected) > 0 {
		sb.WriteString(contextHeader)
		for _, entry := range selected {
			sb.WriteString(entry)
		}
	}
	return sb.String()
}

func formatHit(h retrieval.Hit) string {
	return fmt.Sprintf("(score %.2f, source %s#%d)\n%s\n\n", h.Score, h.SourcePath, h.Seq, h.Text)
}

// Excerpts renders hits as a plain listing with source attribution. The
// degraded path uses it when no answer model is reachable.
func Excerpts(hits []retrieval.Hit) string {
	if len(hits) == 0 {
		return "No matching excerpts found."
	}
	var sb strings.Builder
	sb.WriteString("Answer model unavailable; matching excerpts:\n\n")
	for i, h := range hits {
		fmt.Fprintf(&sb, "%d. %s#%d\n%s\n\n", i+1, h.SourcePath, h.Seq, h.Text)
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}
