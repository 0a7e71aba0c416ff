package domain

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestKnowledgeContext_AppendIsMonotonic(t *testing.T) {
	kc := NewKnowledgeContext("Quick Loan overview")
	before := kc.Current()

	kc.Append(SegmentToolOutput, "rows: 3")
	after := kc.Current()

	assert.True(t, strings.HasPrefix(after, before), "earlier text must be a prefix of later text")
	assert.Equal(t, "Quick Loan overview\n\nrows: 3", after)
}

func TestKnowledgeContext_KeepsDuplicates(t *testing.T) {
	kc := NewKnowledgeContext("")
	kc.Append(SegmentToolOutput, "same")
	kc.Append(SegmentToolOutput, "same")

	assert.Equal(t, 2, kc.Len())
	assert.Equal(t, "same\n\nsame", kc.Current())
}

func TestKnowledgeContext_IgnoresBlank(t *testing.T) {
	kc := NewKnowledgeContext("  ")
	kc.Append(SegmentNote, "\n")

	assert.Equal(t, 0, kc.Len())
	assert.Equal(t, "", kc.Current())
}

func TestKnowledgeContext_SegmentsCopy(t *testing.T) {
	kc := NewKnowledgeContext("a")
	segs := kc.Segments()
	segs[0].Text = "b"

	assert.Equal(t, "a", kc.Current())
	assert.Equal(t, SegmentKnowledge, kc.Segments()[0].Kind)
}

func TestKnowledgeContext_Tail(t *testing.T) {
	kc := NewKnowledgeContext(strings.Repeat("x", 50))
	kc.Append(SegmentToolOutput, "tail segment")

	assert.Equal(t, kc.Current(), kc.Tail(0))
	assert.Equal(t, kc.Current(), kc.Tail(1000))

	tail := kc.Tail(20)
	assert.True(t, strings.HasPrefix(tail, "...[earlier context truncated]\n"))
	assert.True(t, strings.HasSuffix(tail, "tail segment"))
	assert.Equal(t, kc.Current(), kc.Tail(-1))
}

func TestKnowledgeContext_TailKeepsRunesWhole(t *testing.T) {
	kc := NewKnowledgeContext("Visão geral")
	kc.Append(SegmentToolOutput, "análise de crédito")

	for n := 1; n < len(kc.Current()); n++ {
		assert.True(t, utf8.ValidString(kc.Tail(n)), "Tail(%d)", n)
	}
}
