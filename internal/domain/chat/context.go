package chat

// ToolSet is the allowlist of tool names for one request. The detector
// accepts an XML root tag as a tool call only when its name is in this set.
type ToolSet map[string]struct{}

// NewToolSet builds a set from names, skipping empties.
func NewToolSet(names ...string) ToolSet {
	set := make(ToolSet, len(names))
	for _, n := range names {
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Has reports membership.
func (s ToolSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Empty reports whether the set has no names.
func (s ToolSet) Empty() bool {
	return len(s) == 0
}

// ConversionContext travels with one request through conversion and stream
// processing. It is built once per request and treated as read-only after;
// KnownTools is never mutated once the detector has seen it.
type ConversionContext struct {
	Source     Dialect
	Target     Dialect
	KnownTools ToolSet
	EnableXML  bool
	RequestID  string
}
