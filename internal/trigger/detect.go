// Package trigger holds the pure detectors hooks use to decide whether an
// event is worth acting on: error signals in command output, decision-recall
// phrasing in prompts, new-file and first-edit checks, and file-path
// extraction from shell commands. Detectors do no I/O beyond a stat and are
// safe to call from any goroutine.
package trigger

import (
	"path/filepath"
	"regexp"
	"strings"
)

const signalMaxLen = 200

// Structured error forms are matched case-sensitively so conversational uses
// of "error" or "failed" do not fire the detector.
var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bError\b`),
	regexp.MustCompile(`\bError:`),
	regexp.MustCompile(`(?m)^\w[\w.]*(?:Error|Exception):`),
	regexp.MustCompile(`\bException\b`),
	regexp.MustCompile(`\bTraceback\b`),
	regexp.MustCompile(`\bFAILED:`),
	regexp.MustCompile(`\bFAILED\b`),
	regexp.MustCompile(`\bpanic:`),
	regexp.MustCompile(`\bfatal:`),
	regexp.MustCompile(`\bsegfault\b`),
	regexp.MustCompile(`\bbug\b`),
	regexp.MustCompile(`(?m)^E\s{3,}\S`), // pytest error lines
}

var tracebackHeader = regexp.MustCompile(`Traceback \(most recent call last\):`)

// finalExceptionLine matches the "SomeError: message" line that ends a
// python traceback.
var finalExceptionLine = regexp.MustCompile(`(?m)^\w[\w.]*(?:Error|Exception|Warning)\b.*$`)

// DetectErrorSignal scans command output for an error-like signal and
// returns a compact signature of it: the enclosing line of the first match,
// truncated to 200 characters. Python tracebacks are collapsed to their
// final exception line. Returns "" when nothing fires.
func DetectErrorSignal(text string) string {
	if text == "" {
		return ""
	}

	if loc := tracebackHeader.FindStringIndex(text); loc != nil {
		// The last exception line after the header is the real signal.
		tail := text[loc[0]:]
		if lines := finalExceptionLine.FindAllString(tail, -1); len(lines) > 0 {
			return clampSignal(lines[len(lines)-1])
		}
		return clampSignal(enclosingLine(text, loc[0]))
	}

	for _, re := range errorPatterns {
		if loc := re.FindStringIndex(text); loc != nil {
			return clampSignal(enclosingLine(text, loc[0]))
		}
	}
	return ""
}

func clampSignal(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > signalMaxLen {
		return line[:signalMaxLen]
	}
	return line
}

func enclosingLine(text string, pos int) string {
	begin := strings.LastIndexByte(text[:pos], '\n') + 1
	end := strings.IndexByte(text[pos:], '\n')
	if end < 0 {
		return text[begin:]
	}
	return text[begin : pos+end]
}

// decisionPhrases are matched case-insensitively at the start of the recall
// question; the remainder of the prompt is the topic.
var decisionPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwhy\s+(?:did|do)\s+we\s+`),
	regexp.MustCompile(`(?i)\bwhat\s+(?:was|did)\s+we\s+decide[d]?\s*(?:about|on|for)?\s*`),
	regexp.MustCompile(`(?i)\bwhat\s+was\s+the\s+decision\s*(?:about|on|for)?\s*`),
	regexp.MustCompile(`(?i)\bremember\s+when\s+`),
	regexp.MustCompile(`(?i)\bremember\s+the\s+decision\s*(?:about|on|for)?\s*`),
	regexp.MustCompile(`(?i)\bdo\s+you\s+remember\s+`),
}

// DetectDecisionKeywords reports whether a prompt is asking to recall a past
// decision, and if so returns the residual topic with any trailing question
// mark stripped. Returns "" when the prompt is not a recall question.
func DetectDecisionKeywords(prompt string) string {
	for _, re := range decisionPhrases {
		loc := re.FindStringIndex(prompt)
		if loc == nil {
			continue
		}
		topic := strings.TrimSpace(prompt[loc[1]:])
		topic = strings.TrimRight(topic, "?")
		topic = strings.TrimSpace(topic)
		if topic == "" {
			// The phrase alone still signals recall intent; fall back to the
			// whole prompt so the caller has something to search.
			topic = strings.TrimSpace(strings.TrimRight(prompt, "?"))
		}
		return topic
	}
	return ""
}

// languageBySuffix maps file suffixes to the language recorded on stored
// patterns. ExtractFilePaths keeps only tokens whose suffix appears here.
var languageBySuffix = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".sh":   "shell",
	".sql":  "sql",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".toml": "toml",
	".md":   "markdown",
}

// LanguageForPath returns the language for a file path, or "" when the
// suffix is unknown.
func LanguageForPath(path string) string {
	return languageBySuffix[strings.ToLower(filepath.Ext(path))]
}

// ExtractFilePaths pulls file-path tokens out of a shell command: quoted or
// bare tokens that are not flags, contain a dot or slash, and end in a known
// language suffix.
func ExtractFilePaths(command string) []string {
	var paths []string
	seen := map[string]struct{}{}
	for _, tok := range strings.Fields(command) {
		tok = strings.Trim(tok, `"'`)
		if tok == "" || strings.HasPrefix(tok, "-") {
			continue
		}
		if !strings.ContainsAny(tok, "./") {
			continue
		}
		if LanguageForPath(tok) == "" {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		paths = append(paths, tok)
	}
	return paths
}
