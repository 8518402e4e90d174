package agent

import (
	"unicode"

	"github.com/cloudwego/eino/schema"
)

// Token estimation is approximate: CJK-script runes cost a full token,
// everything else a quarter, plus a flat per-message overhead.
const (
	messageOverheadTokens = 4
	minSystemTokens       = 64
	minTailTokens         = 32
	truncationSuffix      = "\n...[truncated by token budget]"
)

func runeTokens(r rune) float64 {
	if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
		return 1
	}
	return 0.25
}

func textTokens(s string) float64 {
	var total float64
	for _, r := range s {
		total += runeTokens(r)
	}
	return total
}

func messageTokens(m *schema.Message) float64 {
	total := float64(messageOverheadTokens) + textTokens(m.Content)
	for _, tc := range m.ToolCalls {
		total += textTokens(tc.Function.Name) + textTokens(tc.Function.Arguments)
	}
	return total
}

func conversationTokens(msgs []*schema.Message) float64 {
	var total float64
	for _, m := range msgs {
		total += messageTokens(m)
	}
	return total
}

// fitToTokens cuts s at the last rune boundary that keeps its cost within
// maxTokens.
func fitToTokens(s string, maxTokens float64) string {
	if maxTokens <= 0 {
		return ""
	}
	var cost float64
	for i, r := range s {
		cost += runeTokens(r)
		if cost > maxTokens {
			return s[:i]
		}
	}
	return s
}

// applyBudget shrinks the conversation to the token budget: drop oldest
// non-system messages first, then truncate the system prompt, then the last
// message.
func applyBudget(msgs []*schema.Message, budget int) []*schema.Message {
	b := float64(budget)
	total := conversationTokens(msgs)

	for total > b {
		oldest := -1
		nonSystem := 0
		for i, m := range msgs {
			if m.Role != schema.System {
				nonSystem++
				if oldest < 0 {
					oldest = i
				}
			}
		}
		if nonSystem <= 1 {
			break
		}
		msgs = append(msgs[:oldest], msgs[oldest+1:]...)
		total = conversationTokens(msgs)
	}

	if total > b && len(msgs) > 0 && msgs[0].Role == schema.System {
		others := total - messageTokens(msgs[0])
		avail := b - others - messageOverheadTokens - textTokens(truncationSuffix)
		if avail < minSystemTokens {
			avail = minSystemTokens
		}
		if textTokens(msgs[0].Content) > avail {
			msgs[0].Content = fitToTokens(msgs[0].Content, avail) + truncationSuffix
		}
		total = conversationTokens(msgs)
	}

	if total > b && len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if last.Role != schema.System {
			others := total - messageTokens(last)
			avail := b - others - messageOverheadTokens - textTokens(truncationSuffix)
			if avail < minTailTokens {
				avail = minTailTokens
			}
			if textTokens(last.Content) > avail {
				last.Content = fitToTokens(last.Content, avail) + truncationSuffix
			}
		}
	}

	return msgs
}
