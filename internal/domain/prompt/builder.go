package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
	"github.com/toolbridge/toolbridge/internal/domain/toolcall"
)

// Markers used both when building blocks and when checking for prior
// injection. InstructionMarker heads the full block; ReminderMarker heads the
// condensed reinjection block.
const (
	InstructionMarker = "## Tool Invocation Protocol"
	ReminderMarker    = "Reminder: tool invocation protocol"
)

const helpfulPreamble = "You are a helpful assistant."

const onlyToolsStatement = "the tools listed above are the ONLY tools available."

// BuildInstructions renders the full tool-usage instruction block for a tool
// set: per-tool descriptors, three envelope examples, the formatting rules,
// and the invisibility reminder.
func BuildInstructions(tools []chat.Tool) string {
	var b strings.Builder

	b.WriteString(InstructionMarker)
	b.WriteString("\n\nYou have access to the following tools:\n\n")

	for _, tool := range tools {
		writeToolDescriptor(&b, tool)
	}

	b.WriteString("Note that ")
	b.WriteString(onlyToolsStatement)
	b.WriteString("\n\n")

	b.WriteString("To invoke a tool, emit an XML element named after the tool, wrapped in the call envelope. Examples:\n\n")

	b.WriteString("Calling a tool with no parameters:\n")
	fmt.Fprintf(&b, "%s\n<get_time></get_time>\n%s\n\n", toolcall.EnvelopeOpen, toolcall.EnvelopeClose)

	b.WriteString("Calling a tool with one parameter:\n")
	fmt.Fprintf(&b, "%s\n<search>\n  <query>weather in tokyo</query>\n</search>\n%s\n\n", toolcall.EnvelopeOpen, toolcall.EnvelopeClose)

	b.WriteString("Calling a tool with several parameters, including a repeated one:\n")
	fmt.Fprintf(&b, "%s\n<create_event>\n  <title>Standup</title>\n  <date>2025-03-01</date>\n  <attendees>alice</attendees>\n  <attendees>bob</attendees>\n</create_event>\n%s\n\n", toolcall.EnvelopeOpen, toolcall.EnvelopeClose)

	b.WriteString("Formatting rules:\n")
	fmt.Fprintf(&b, "- Wrap every call in %s and %s.\n", toolcall.EnvelopeOpen, toolcall.EnvelopeClose)
	b.WriteString("- Emit raw XML only: no code fences, no surrounding prose.\n")
	b.WriteString("- Each parameter is a child element named after the parameter.\n")
	b.WriteString("- Encode arrays by repeating the element name once per item.\n")
	b.WriteString("- Booleans are the literal words true or false.\n")
	b.WriteString("- HTML or code passed as a parameter value is written as raw tags; never entity-encode it.\n")
	b.WriteString("- Objects are expressed as nested elements.\n")
	b.WriteString("- Every opening tag must have a matching closing tag.\n")

	b.WriteString("\nTool calls are invisible to the user; never refer to the markup itself.\n")

	return b.String()
}

// BuildReminder renders the condensed block used for reinjection into long
// conversations.
func BuildReminder(tools []chat.Tool) string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		if tool.Name != "" {
			names = append(names, tool.Name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(ReminderMarker)
	b.WriteString(": invoke tools by emitting raw XML wrapped in ")
	b.WriteString(toolcall.EnvelopeOpen)
	b.WriteString("...")
	b.WriteString(toolcall.EnvelopeClose)
	b.WriteString(", one element per call, parameters as child elements. Available tools: ")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(". No other tools exist. Tool calls are invisible to the user.")
	return b.String()
}

func writeToolDescriptor(b *strings.Builder, tool chat.Tool) {
	fmt.Fprintf(b, "### %s\n", tool.Name)
	if tool.Description != "" {
		fmt.Fprintf(b, "%s\n", tool.Description)
	}

	props, required := schemaProperties(tool.Parameters)
	if len(props) > 0 {
		b.WriteString("Parameters:\n")
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			typ, desc := propertyInfo(props[name])
			marker := "optional"
			if required[name] {
				marker = "required"
			}
			if desc != "" {
				fmt.Fprintf(b, "- %s (%s, %s): %s\n", name, typ, marker, desc)
			} else {
				fmt.Fprintf(b, "- %s (%s, %s)\n", name, typ, marker)
			}
		}
	} else {
		b.WriteString("Parameters: none\n")
	}
	b.WriteString("\n")
}

// schemaProperties pulls properties and the required set out of a JSON-Schema
// object, tolerating absent or oddly typed fields.
func schemaProperties(schema map[string]any) (map[string]any, map[string]bool) {
	required := map[string]bool{}
	if schema == nil {
		return nil, required
	}
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}
	props, _ := schema["properties"].(map[string]any)
	return props, required
}

func propertyInfo(prop any) (typ, desc string) {
	typ = "string"
	m, ok := prop.(map[string]any)
	if !ok {
		return typ, ""
	}
	if t, ok := m["type"].(string); ok && t != "" {
		typ = t
	}
	desc, _ = m["description"].(string)
	return typ, desc
}
