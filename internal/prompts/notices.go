package prompts

import (
	"fmt"
	"strings"
	"time"
)

// Fixed notices shown to the student.
const (
	// LoopExceededNotice ends a reply cut short by the retrieval
	// iteration ceiling.
	LoopExceededNotice = "**SSR exceeded loop count.  Consider narrowing down your question**"

	// TruncationNotice prefixes a reply after older turns were pruned.
	TruncationNotice = "Old Conversations getting dropped.  Consider starting a new Conversation\n"
)

// TokenUsageHeader is the first line of every answered reply.
func TokenUsageHeader(inputTokens, outputTokens, passes int) string {
	return fmt.Sprintf("Total Input Tokens (%d), Total Output Tokens (%d) over (%d) passes\n", inputTokens, outputTokens, passes)
}

// Apology is returned in place of a reply when a turn fails.
func Apology(err error) string {
	return fmt.Sprintf("An error (%v) occurred processing your request. Please try again.", err)
}

// AdditionalContent builds the per-pass block: the current time, the
// reference blob loaded on the previous pass (empty on the first) and a
// reminder of the keys already requested this turn.
func AdditionalContent(now time.Time, loaded string, requested []string) string {
	return "<CURRENT_DATE_TIME>" + now.Format(time.DateTime) + "</CURRENT_DATE_TIME>\n" +
		loaded +
		"<SSR_CONTENT_REQUESTED_DURING_THIS_SSR_LOOP>" + strings.Join(requested, ", ") + "</SSR_CONTENT_REQUESTED_DURING_THIS_SSR_LOOP>\n"
}
