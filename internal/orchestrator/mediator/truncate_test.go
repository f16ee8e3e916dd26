package mediator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-ai/mind/internal/orchestrator/errdefs"
)

func msg(role string, tokens int) Message {
	// estimateTokens(content) = len/4 + 4, so len = (tokens-4)*4.
	return Message{Role: role, Content: strings.Repeat("x", (tokens-4)*4)}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 4, estimateTokens(""))
	assert.Equal(t, 5, estimateTokens("abc"))
	assert.Equal(t, 5, estimateTokens("abcd"))
	assert.Equal(t, 6, estimateTokens("abcde"))
}

func TestFitRejectsEmptyMessages(t *testing.T) {
	_, err := Fit(nil, 4096, 100, 1024)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestFitForwardsUnchangedWhenWithinBudget(t *testing.T) {
	messages := []Message{msg("system", 50), msg("user", 100)}

	plan, err := Fit(messages, 4096, 200, 1024)
	require.NoError(t, err)
	assert.False(t, plan.Truncated)
	assert.Equal(t, messages, plan.Messages)
	assert.Equal(t, 200, plan.MaxTokens)
}

func TestFitAppliesDefaultMaxTokens(t *testing.T) {
	plan, err := Fit([]Message{msg("user", 100)}, 4096, 0, 1024)
	require.NoError(t, err)
	assert.Equal(t, 1024, plan.MaxTokens)
}

func TestFitCapsBudgetAtHalfWindow(t *testing.T) {
	plan, err := Fit([]Message{msg("user", 100)}, 4096, 5000, 1024)
	require.NoError(t, err)
	assert.Equal(t, 2048, plan.MaxTokens)
}

func TestFitPinsSystemAndKeepsRecentHistory(t *testing.T) {
	window := 1000
	messages := []Message{msg("system", 30)}
	for i := 0; i < 10; i++ {
		messages = append(messages, msg("user", 100), msg("assistant", 100))
	}

	plan, err := Fit(messages, window, 500, 1024)
	require.NoError(t, err)
	assert.True(t, plan.Truncated)
	assert.Equal(t, "system", plan.Messages[0].Role)
	// The newest turn always survives.
	assert.Equal(t, messages[len(messages)-1], plan.Messages[len(plan.Messages)-1])
	// The kept set fits the window with budget and safety buffer.
	assert.LessOrEqual(t, estimateTotal(plan.Messages)+plan.MaxTokens+safetyBuffer, window)
}

func TestFitDropsAdjacentUserAssistantPairs(t *testing.T) {
	// 12 alternating turns of 100 tokens each; the kept history starts
	// with a user turn, so drops happen in user/assistant pairs.
	var messages []Message
	for i := 0; i < 6; i++ {
		messages = append(messages, msg("user", 100), msg("assistant", 100))
	}

	plan, err := Fit(messages, 1000, 300, 1024)
	require.NoError(t, err)
	assert.True(t, plan.Truncated)
	// keep-10 trim leaves messages[2:], two pair drops leave messages[6:].
	require.Len(t, plan.Messages, 6)
	assert.Equal(t, messages[6], plan.Messages[0])
	assert.Equal(t, "user", plan.Messages[0].Role)
}

func TestFitDropsSingleWhenPairNotAdjacent(t *testing.T) {
	// 11 turns starting with user: the trim to the last 10 leaves an
	// assistant turn oldest, which drops alone before pairs resume.
	var messages []Message
	for i := 0; i < 11; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		messages = append(messages, msg(role, 100))
	}

	plan, err := Fit(messages, 1000, 300, 1024)
	require.NoError(t, err)
	assert.True(t, plan.Truncated)
	// One lone assistant drop plus two pair drops leaves messages[6:].
	require.Len(t, plan.Messages, 5)
	assert.Equal(t, messages[6], plan.Messages[0])
}

func TestFitDoesNotPinNonSystemFirstMessage(t *testing.T) {
	messages := []Message{
		msg("user", 400), msg("assistant", 400), msg("user", 100),
	}

	plan, err := Fit(messages, 1000, 400, 1024)
	require.NoError(t, err)
	assert.True(t, plan.Truncated)
	for _, m := range plan.Messages {
		assert.NotEqual(t, messages[0], m)
	}
}

func TestFitShrinksBudgetForIrreducibleSet(t *testing.T) {
	// {system, last user} barely fit: the completion budget gives way.
	messages := []Message{msg("system", 100), msg("user", 700)}

	plan, err := Fit(messages, 1000, 500, 1024)
	require.NoError(t, err)
	assert.True(t, plan.Truncated)
	assert.Len(t, plan.Messages, 2)
	// remaining = 1000 - 800 - 50 = 150
	assert.Equal(t, 150, plan.MaxTokens)
}

func TestFitForwardsAtExactBudgetFloor(t *testing.T) {
	// remaining = 1000 - 886 - 50 = 64, the smallest budget still forwarded.
	plan, err := Fit([]Message{msg("user", 886)}, 1000, 500, 1024)
	require.NoError(t, err)
	assert.True(t, plan.Truncated)
	assert.Equal(t, minCompletionTokens, plan.MaxTokens)
	assert.LessOrEqual(t, estimateTotal(plan.Messages)+plan.MaxTokens+safetyBuffer, 1000)
}

func TestFitRejectsWhenBudgetFloorUnreachable(t *testing.T) {
	// remaining = 1000 - 940 - 50 = 10: positive, but under the 64-token
	// floor, so the request is rejected instead of forwarded over the window.
	_, err := Fit([]Message{msg("user", 940)}, 1000, 500, 1024)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindContextOverflow, errdefs.KindOf(err))
}

func TestFitRejectsIrreducibleSetOverFloor(t *testing.T) {
	messages := []Message{msg("system", 100), msg("user", 840)}

	// The pinned system prompt and the last user turn leave remaining = 60.
	_, err := Fit(messages, 1000, 500, 1024)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindContextOverflow, errdefs.KindOf(err))
}

func TestFitRejectsOverflow(t *testing.T) {
	_, err := Fit([]Message{msg("user", 2000)}, 1000, 500, 1024)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindContextOverflow, errdefs.KindOf(err))
}

func TestFitSingleMessageAlwaysKept(t *testing.T) {
	plan, err := Fit([]Message{msg("user", 600)}, 1000, 500, 1024)
	require.NoError(t, err)
	require.Len(t, plan.Messages, 1)
	assert.Equal(t, "user", plan.Messages[0].Role)
}
