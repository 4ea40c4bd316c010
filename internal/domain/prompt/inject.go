package prompt

import (
	"strings"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/domain/toolcall"
)

// Reinjection role values.
const (
	RoleAuto   = "auto"
	RoleSystem = "system"
	RoleUser   = "user"
)

// ReinjectionPolicy controls reminder placement in long conversations.
type ReinjectionPolicy struct {
	Enabled          bool
	MessageThreshold int
	TokenThreshold   int
	Role             string
}

// dedupWindow is how many trailing messages are inspected before reinjecting.
const dedupWindow = 6

// Inject splices the tool instruction block into the message list. A system
// message that already exists receives the block appended to its content; a
// missing system message is created at the head. Injection is idempotent: if
// any message already carries the envelope sentinel or the instruction
// marker, the list is returned unchanged.
func Inject(messages []chat.Message, tools []chat.Tool) []chat.Message {
	if len(tools) == 0 {
		return messages
	}
	for _, msg := range messages {
		if containsInstructions(msg.Content) {
			return messages
		}
	}

	block := BuildInstructions(tools)

	for i, msg := range messages {
		if msg.Role != chat.RoleSystem {
			continue
		}
		out := make([]chat.Message, len(messages))
		copy(out, messages)
		if strings.TrimSpace(out[i].Content) == "" {
			out[i].Content = block
		} else {
			out[i].Content = out[i].Content + "\n\n" + block
		}
		return out
	}

	out := make([]chat.Message, 0, len(messages)+1)
	out = append(out, chat.Message{
		Role:    chat.RoleSystem,
		Content: helpfulPreamble + "\n\n" + block,
	})
	out = append(out, messages...)
	return out
}

// Reinject appends a condensed reminder when the original instructions have
// drifted out of the model's recent context. The trigger counts messages and
// estimated tokens since the last system message; a hit inside the dedup
// window suppresses it.
func Reinject(messages []chat.Message, tools []chat.Tool, policy ReinjectionPolicy) []chat.Message {
	if !policy.Enabled || len(tools) == 0 || len(messages) == 0 {
		return messages
	}

	msgsSince, tokensSince := sinceLastSystem(messages)
	overMsgs := policy.MessageThreshold > 0 && msgsSince > policy.MessageThreshold
	overTokens := policy.TokenThreshold > 0 && tokensSince > policy.TokenThreshold
	if !overMsgs && !overTokens {
		return messages
	}

	start := len(messages) - dedupWindow
	if start < 0 {
		start = 0
	}
	for _, msg := range messages[start:] {
		if containsInstructions(msg.Content) || strings.Contains(msg.Content, ReminderMarker) {
			return messages
		}
	}

	reminder := BuildReminder(tools)
	role := policy.Role
	if role == "" || role == RoleAuto {
		if countSystem(messages) == 1 {
			role = RoleSystem
		} else {
			role = RoleUser
		}
	}

	if role == RoleSystem {
		idx := lastSystemIndex(messages)
		out := make([]chat.Message, 0, len(messages)+1)
		out = append(out, messages[:idx+1]...)
		out = append(out, chat.Message{Role: chat.RoleSystem, Content: reminder})
		out = append(out, messages[idx+1:]...)
		return out
	}

	out := make([]chat.Message, 0, len(messages)+1)
	out = append(out, messages...)
	out = append(out, chat.Message{Role: chat.RoleUser, Content: reminder})
	return out
}

func containsInstructions(content string) bool {
	return strings.Contains(content, toolcall.EnvelopeOpen) ||
		strings.Contains(content, InstructionMarker)
}

// sinceLastSystem reports how many messages and estimated tokens follow the
// last system message. With no system message the whole list counts.
func sinceLastSystem(messages []chat.Message) (msgs, tokens int) {
	idx := lastSystemIndex(messages)
	for _, msg := range messages[idx+1:] {
		msgs++
		tokens += estimateTokens(msg.Content)
	}
	return msgs, tokens
}

func lastSystemIndex(messages []chat.Message) int {
	idx := -1
	for i, msg := range messages {
		if msg.Role == chat.RoleSystem {
			idx = i
		}
	}
	return idx
}

func countSystem(messages []chat.Message) int {
	n := 0
	for _, msg := range messages {
		if msg.Role == chat.RoleSystem {
			n++
		}
	}
	return n
}

// estimateTokens uses the 4-chars-per-token heuristic.
func estimateTokens(content string) int {
	return (len(content) + 3) / 4
}
