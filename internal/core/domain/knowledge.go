package domain

import "strings"

// SegmentKind records where a context segment came from.
type SegmentKind string

const (
	SegmentKnowledge     SegmentKind = "knowledge"     // initial knowledge (system overview)
	SegmentToolOutput    SegmentKind = "tool_output"   // observation merged after ACT
	SegmentSubAnswers    SegmentKind = "sub_answers"   // decomposition results
	SegmentClarification SegmentKind = "clarification" // caller response after CLARIFY_WAIT
	SegmentNote          SegmentKind = "note"          // controller notes (e.g. unknown tool)
)

// Segment is one immutable piece of text in a KnowledgeContext.
type Segment struct {
	Kind SegmentKind `json:"kind"`
	Text string      `json:"text"`
}

// KnowledgeContext is the append-only knowledge state for one top-level resolution.
// Segments are never removed or reordered; duplicates are kept.
// A KnowledgeContext must not be shared between concurrent resolutions.
type KnowledgeContext struct {
	segments []Segment
}

// NewKnowledgeContext seeds a context with the initial knowledge, if any.
func NewKnowledgeContext(initial string) *KnowledgeContext {
	kc := &KnowledgeContext{}
	if strings.TrimSpace(initial) != "" {
		kc.Append(SegmentKnowledge, initial)
	}
	return kc
}

// Append adds a segment at the end. Empty text is ignored.
func (kc *KnowledgeContext) Append(kind SegmentKind, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	kc.segments = append(kc.segments, Segment{Kind: kind, Text: text})
}

// Current returns the segments joined by blank lines.
func (kc *KnowledgeContext) Current() string {
	if len(kc.segments) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, s := range kc.segments {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s.Text)
	}
	return sb.String()
}

// Len is the number of segments.
func (kc *KnowledgeContext) Len() int { return len(kc.segments) }

// Segments returns a copy of the segments.
func (kc *KnowledgeContext) Segments() []Segment {
	out := make([]Segment, len(kc.segments))
	copy(out, kc.segments)
	return out
}

// Tail returns Current() cut to at most maxChars bytes from the end, on a
// segment boundary where possible and never inside a rune. maxChars <= 0 disables truncation.
func (kc *KnowledgeContext) Tail(maxChars int) string {
	full := kc.Current()
	if maxChars <= 0 || len(full) <= maxChars {
		return full
	}
	cut := ClipTail(full, maxChars)
	if i := strings.Index(cut, "\n\n"); i >= 0 && i < len(cut)/2 {
		cut = cut[i+2:]
	}
	return "...[earlier context truncated]\n" + cut
}
