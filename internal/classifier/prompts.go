package classifier

import (
	"fmt"
	"strings"
)

func categoriseSystemPrompt() string {
	return fmt.Sprintf(`You classify inbound customer emails for a consumer insurance business.

Valid categories (use these exact strings, nothing else):
%s

Instructions:
1. Return the top THREE matching categories, most relevant first, in "classification".
2. Give a one-sentence rationale in "rsn_classification".
3. Set "action_required" to "yes" or "no" based ONLY on the latest message
   in the thread. The latest message is the topmost text; quoted or
   indented history below it must be ignored.
4. Set "sentiment" to "positive", "neutral" or "negative". Use "neutral"
   unless the customer clearly expresses a sentiment.

Respond with a JSON object only:
{"classification": ["...", "...", "..."], "rsn_classification": "...", "action_required": "yes|no", "sentiment": "..."}`,
		"- "+strings.Join(Categories, "\n- "))
}

func actionCheckSystemPrompt() string {
	return `You decide whether a customer email needs action from the insurance team.

Consider ONLY the latest message in the thread (the topmost text); ignore
quoted or indented history. A message needs action when the customer asks
for something, reports a problem, or expects a reply. Pure notifications,
thank-you notes and automated mails do not.

Respond with a JSON object only: {"action_required": "yes"} or {"action_required": "no"}`
}

func prioritiseSystemPrompt(topCategories []string) string {
	return fmt.Sprintf(`A customer email was matched to these candidate categories, most relevant first:
%s

Pick the SINGLE most appropriate category for the email. The email context
is the primary signal: choose the category the customer's actual request
belongs to. Only when the context is genuinely ambiguous between
candidates, fall back to this static priority order (highest first):
%s

Respond with a JSON object only:
{"category": "...", "reason": "one sentence explaining the choice"}`,
		"- "+strings.Join(topCategories, "\n- "),
		strings.Join(PriorityOrder, " > "))
}
