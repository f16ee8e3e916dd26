package mediator

import (
	"encoding/json"

	"github.com/mind-ai/mind/internal/orchestrator/errdefs"
)

const (
	// safetyBuffer is the token headroom kept between the request and the
	// model's context window.
	safetyBuffer = 50
	// minCompletionTokens is the smallest completion budget worth
	// forwarding. A request that cannot be granted this much after
	// truncation is rejected.
	minCompletionTokens = 64
	// keepRecentMessages bounds how much history survives truncation.
	keepRecentMessages = 10
)

// Message is one chat turn. Extra carries unknown fields through untouched.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	Extra map[string]json.RawMessage `json:"-"`
}

// estimateTokens approximates the token cost of one message: four characters
// per token plus role overhead. Deliberately cheap; exact tokenization is
// the engine's job.
func estimateTokens(content string) int {
	return (len(content)+3)/4 + 4
}

func estimateTotal(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m.Content)
	}
	return total
}

// Plan is the outcome of fitting a request into the model's context window.
type Plan struct {
	Messages  []Message
	MaxTokens int
	Truncated bool
}

// Fit bounds a chat request to the context window W. requestedMax is the
// client's max_tokens, or 0 when absent. The returned plan carries the
// messages to forward and the completion budget.
//
// When the request does not fit, the first message is pinned if it is a
// system prompt, only the most recent history is kept, and the oldest
// non-system turns are dropped until the budget holds. User/assistant turns
// drop as a pair when adjacent. As a last resort the completion budget
// shrinks, but never below minCompletionTokens: a request whose irreducible
// messages leave less than that is rejected as a context overflow, so the
// forwarded request always fits the window.
func Fit(messages []Message, window, requestedMax, defaultMax int) (*Plan, error) {
	if len(messages) == 0 {
		return nil, errdefs.Validation("messages", "messages must not be empty")
	}

	budget := requestedMax
	if budget <= 0 {
		budget = defaultMax
	}
	if half := window / 2; budget > half {
		budget = half
	}

	if estimateTotal(messages)+budget+safetyBuffer <= window {
		return &Plan{Messages: messages, MaxTokens: budget}, nil
	}

	// Truncation path.
	var pinned []Message
	rest := messages
	if messages[0].Role == "system" {
		pinned = messages[:1]
		rest = messages[1:]
	}

	keep := keepRecentMessages
	if limit := len(messages) - 1; keep > limit {
		keep = limit
	}
	// The newest message always survives.
	if keep < 1 {
		keep = 1
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}

	over := func() bool {
		return estimateTotal(pinned)+estimateTotal(rest)+budget+safetyBuffer > window
	}
	for over() && len(pinned)+len(rest) > 2 {
		if len(rest) > 1 && rest[0].Role == "user" && rest[1].Role == "assistant" {
			rest = rest[2:]
		} else {
			rest = rest[1:]
		}
	}

	kept := append(append([]Message(nil), pinned...), rest...)

	if over() {
		remaining := window - estimateTotal(kept) - safetyBuffer
		if remaining < minCompletionTokens {
			return nil, errdefs.New(errdefs.KindContextOverflow,
				"conversation exceeds the model context window even after truncation")
		}
		budget = remaining
	}

	return &Plan{Messages: kept, MaxTokens: budget, Truncated: true}, nil
}
