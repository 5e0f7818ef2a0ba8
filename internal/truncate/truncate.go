// Package truncate implements boundary-aware content reduction. Nothing in
// this package slices content at a fixed byte offset: every cut lands on a
// sentence, line, or word boundary and leaves a marker, and error sections
// survive verbatim.
package truncate

import (
	"strings"

	"engram/internal/memory"
	"engram/internal/tokens"
)

// Markers left where content was removed.
const (
	EndMarker    = " [...]"
	MiddleMarker = "[... truncated middle ...]"
)

// Result describes one truncation pass.
type Result struct {
	Content   string
	Truncated bool
	Tokens    int
}

// Apply runs the policy for a memory type against its budget. A zero budget
// means only the collection-wide ceiling applies. The ceiling always wins
// over a larger per-type budget.
func Apply(content string, policy memory.TruncationPolicy, budget int) Result {
	budget = effectiveBudget(budget)
	if tokens.Count(content) <= budget {
		return Result{Content: content, Tokens: tokens.Count(content)}
	}

	var out string
	switch policy {
	case memory.TruncateSentence:
		out = Sentence(content, budget)
	case memory.TruncateFirstLast:
		out = FirstLast(content, budget)
	case memory.TruncateStructured:
		out = Structured(content, budget)
	default:
		// Ceiling overruns still end on a sentence boundary.
		out = Sentence(content, budget)
	}
	return Result{Content: out, Truncated: true, Tokens: tokens.Count(out)}
}

func effectiveBudget(budget int) int {
	if budget <= 0 || budget > memory.TokenCeiling {
		return memory.TokenCeiling
	}
	return budget
}

// Sentence end-truncates at the nearest sentence boundary that fits the
// budget and appends the end marker. When not even the first sentence fits,
// it falls back to a word-boundary cut.
func Sentence(content string, budget int) string {
	budget = effectiveBudget(budget)
	if tokens.Count(content) <= budget {
		return content
	}

	markerCost := tokens.Count(EndMarker)
	allowance := budget - markerCost
	if allowance < 1 {
		allowance = 1
	}

	sentences := splitSentences(content)
	var b strings.Builder
	used := 0
	kept := 0
	for _, s := range sentences {
		cost := tokens.Count(s)
		if used+cost > allowance {
			break
		}
		b.WriteString(s)
		used += cost
		kept++
	}

	if kept == 0 {
		return words(content, allowance) + EndMarker
	}

	out := strings.TrimRight(b.String(), " ")
	// Per-sentence sums approximate the real count; verify and back off.
	for kept > 1 && tokens.Count(out+EndMarker) > budget {
		kept--
		b.Reset()
		for _, s := range sentences[:kept] {
			b.WriteString(s)
		}
		out = strings.TrimRight(b.String(), " ")
	}
	return out + EndMarker
}

// FirstLast keeps the head and tail around a middle marker, splitting half
// the budget to each side. Line-structured content cuts on lines, prose on
// sentences.
func FirstLast(content string, budget int) string {
	budget = effectiveBudget(budget)
	if tokens.Count(content) <= budget {
		return content
	}

	markerCost := tokens.Count(MiddleMarker)
	side := (budget - markerCost) / 2
	if side < 1 {
		side = 1
	}

	parts := splitLines(content)
	if len(parts) < 4 {
		parts = splitSentences(content)
	}

	head := take(parts, side, false)
	tail := take(parts, side, true)
	return strings.TrimRight(head, "\n ") + "\n" + MiddleMarker + "\n" + strings.TrimLeft(tail, "\n ")
}

// Structured truncation for error contexts. Content of the form
//
//	Command: <cmd>
//	Error: <message>
//	Output:
//	<bulk output>
//
// keeps the Command and Error sections verbatim and first/last-truncates
// only the Output. Content without that shape degrades to FirstLast.
func Structured(content string, budget int) string {
	budget = effectiveBudget(budget)
	if tokens.Count(content) <= budget {
		return content
	}

	section := "\nOutput:\n"
	idx := strings.Index(content, section)
	if idx < 0 || !strings.HasPrefix(content, "Command:") {
		return FirstLast(content, budget)
	}

	split := idx + len(section)
	var header, output strings.Builder
	for _, line := range splitLines(content) {
		if header.Len() < split {
			header.WriteString(line)
			continue
		}
		output.WriteString(line)
	}

	head := header.String()
	headCost := tokens.Count(head)
	remaining := budget - headCost
	if remaining < 8 {
		// The verbatim sections alone exhaust the budget; keep them whole
		// anyway and drop the output entirely.
		return strings.TrimRight(head, "\n") + "\n" + MiddleMarker
	}
	return head + FirstLast(output.String(), remaining)
}

// splitSentences splits content into sentence chunks, each retaining its
// trailing delimiter and whitespace so rejoining is lossless.
func splitSentences(content string) []string {
	var out []string
	var b strings.Builder
	runes := []rune(content)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			// Consume trailing spaces into the same chunk.
			for i+1 < len(runes) && runes[i+1] == ' ' {
				i++
				b.WriteRune(runes[i])
			}
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// splitLines splits content into lines, each retaining its newline.
func splitLines(content string) []string {
	var out []string
	var b strings.Builder
	for _, r := range content {
		b.WriteRune(r)
		if r == '\n' {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// take accumulates parts from the front (or back) until the token budget is
// spent, preserving original order.
func take(parts []string, budget int, fromEnd bool) string {
	var kept []string
	used := 0
	for i := 0; i < len(parts); i++ {
		idx := i
		if fromEnd {
			idx = len(parts) - 1 - i
		}
		cost := tokens.Count(parts[idx])
		if used+cost > budget {
			break
		}
		kept = append(kept, parts[idx])
		used += cost
	}
	if fromEnd {
		for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
			kept[i], kept[j] = kept[j], kept[i]
		}
	}
	return strings.Join(kept, "")
}

// words accumulates whole words up to the budget. Last-resort path when not
// even one sentence fits.
func words(content string, budget int) string {
	fields := strings.Fields(content)
	var b strings.Builder
	used := 0
	for _, w := range fields {
		cost := tokens.Count(w + " ")
		if used+cost > budget {
			break
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(w)
		used += cost
	}
	if b.Len() == 0 && len(fields) > 0 {
		b.WriteString(fields[0])
	}
	return b.String()
}
