package toolcall

import (
	"encoding/xml"
	"math"
	"strconv"
	"strings"

	"github.com/toolbridge/toolbridge/internal/domain/chat"
)

// Envelope sentinels. The model is instructed to wrap every tool invocation
// in the primary pair; the legacy pair is still recognized on input.
const (
	EnvelopeOpen  = "<toolbridge:calls>"
	EnvelopeClose = "</toolbridge:calls>"

	LegacyEnvelopeOpen  = "<__toolcall__>"
	LegacyEnvelopeClose = "</__toolcall__>"
)

// ExtractedToolCall is a tool invocation recovered from envelope XML.
type ExtractedToolCall struct {
	Name      string
	Arguments map[string]any
}

// Extract returns the last complete tool call wrapped in an envelope within
// s, if any. Reasoning regions are scrubbed first, then every opening
// sentinel is tried from last to first against the first closing sentinel
// after it. Malformed XML and unknown root tags yield no extraction, never
// an error.
func Extract(s string, known chat.ToolSet) (*ExtractedToolCall, bool) {
	if known.Empty() || s == "" {
		return nil, false
	}
	s = ScrubReasoning(s)
	if call, ok := extractForm(s, EnvelopeOpen, EnvelopeClose, known); ok {
		return call, true
	}
	return extractForm(s, LegacyEnvelopeOpen, LegacyEnvelopeClose, known)
}

func extractForm(s, open, close string, known chat.ToolSet) (*ExtractedToolCall, bool) {
	var openings []int
	for i := 0; ; {
		j := strings.Index(s[i:], open)
		if j < 0 {
			break
		}
		openings = append(openings, i+j)
		i += j + len(open)
	}

	for k := len(openings) - 1; k >= 0; k-- {
		start := openings[k] + len(open)
		rel := strings.Index(s[start:], close)
		if rel < 0 {
			continue
		}
		if call, ok := parseEnvelopeBody(s[start:start+rel], known); ok {
			return call, true
		}
	}
	return nil, false
}

// parseEnvelopeBody walks the region between the sentinels as a sequence of
// sibling elements and returns the first whose tag is a known tool name.
// Unknown siblings are skipped whole; any XML error aborts the region.
func parseEnvelopeBody(inner string, known chat.ToolSet) (*ExtractedToolCall, bool) {
	dec := xml.NewDecoder(strings.NewReader(inner))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !known.Has(start.Name.Local) {
			if err := dec.Skip(); err != nil {
				return nil, false
			}
			continue
		}
		args, err := parseParams(dec)
		if err != nil {
			return nil, false
		}
		return &ExtractedToolCall{Name: start.Name.Local, Arguments: args}, true
	}
}

// parseParams consumes tokens up to the end of the current element and
// builds the argument object. A repeated child name collects into an array.
func parseParams(dec *xml.Decoder) (map[string]any, error) {
	args := map[string]any{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			val, err := parseValue(dec)
			if err != nil {
				return nil, err
			}
			addParam(args, t.Name.Local, val)
		case xml.EndElement:
			return args, nil
		}
	}
}

// parseValue parses the contents of a just-opened parameter element. Element
// children produce a nested object; otherwise the accumulated text is parsed
// as a primitive.
func parseValue(dec *xml.Decoder) (any, error) {
	var text strings.Builder
	var obj map[string]any
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := parseValue(dec)
			if err != nil {
				return nil, err
			}
			if obj == nil {
				obj = map[string]any{}
			}
			addParam(obj, t.Name.Local, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if obj != nil {
				return obj, nil
			}
			return parsePrimitive(text.String()), nil
		}
	}
}

func addParam(m map[string]any, key string, val any) {
	existing, ok := m[key]
	if !ok {
		m[key] = val
		return
	}
	if arr, ok := existing.([]any); ok {
		m[key] = append(arr, val)
		return
	}
	m[key] = []any{existing, val}
}

// parsePrimitive maps leaf text to bool, then finite number, then string.
func parsePrimitive(text string) any {
	trimmed := strings.TrimSpace(text)
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return trimmed
}
