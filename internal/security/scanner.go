// Package security scans content for secrets and PII before anything is
// embedded or stored. Three layers: regex shapes, contextual
// disambiguation, and an optional heuristic NER pass. Hard secrets block
// the write; PII is masked in place; scanner failure degrades to pass so a
// broken rule can never block storage.
package security

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"engram/internal/logging"

	"go.uber.org/zap"
)

// Action is the scan verdict.
type Action string

const (
	ActionPass    Action = "pass"
	ActionMasked  Action = "masked"
	ActionBlocked Action = "blocked"
)

// Finding is one matched span.
type Finding struct {
	Type  string `json:"type"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Layer int    `json:"layer"`
}

// Result is the scanner output. Content carries the masked body when
// Action is masked, otherwise the original.
type Result struct {
	Action         Action
	Content        string
	Findings       []Finding
	LayersExecuted []int
	ScanDuration   time.Duration
}

// rule is one L1 pattern. Blocking rules reject the write outright; masking
// rules substitute the replacement marker.
type rule struct {
	name        string
	re          *regexp.Regexp
	block       bool
	replacement string
}

var l1Rules = []rule{
	// Hard secrets. Order matters where prefixes overlap: the anthropic
	// shape must win over the generic sk- shape.
	{name: "github_pat", re: regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`), block: true},
	{name: "github_fine_grained_pat", re: regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`), block: true},
	{name: "aws_access_key", re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), block: true},
	{name: "slack_token", re: regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`), block: true},
	{name: "stripe_key", re: regexp.MustCompile(`\bsk_live_[A-Za-z0-9]{24,}\b`), block: true},
	{name: "anthropic_key", re: regexp.MustCompile(`\bsk-ant-[A-Za-z0-9-]{20,}\b`), block: true},
	{name: "openai_key", re: regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}T3BlbkFJ[A-Za-z0-9]{20,}\b`), block: true},
	{name: "private_key", re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), block: true},
	{name: "credential_assignment", re: regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|password)\s*[=:]\s*['"][^'"\s]{8,}['"]`), block: true},

	// PII. Masked, never blocked.
	{name: "email", re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), replacement: "[EMAIL_REDACTED]"},
	{name: "phone", re: regexp.MustCompile(`\+\d{9,15}\b|\b\d{3}[-.]\d{3}[-.]\d{4}\b`), replacement: "[PHONE_REDACTED]"},
	{name: "ipv4", re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), replacement: "[IP_REDACTED]"},
}

// contextCues mark a line as illustrative. L2 drops findings on such lines.
var contextCues = []string{
	"example", "sample", "placeholder", "dummy", "fixture", "fake",
	"redacted", "your-key-here", "<token>",
}

// nerCues mark lines likely to carry person names.
var nerCues = []string{"name:", "author:", "contact:", "reported by", "reviewed by", "assigned to"}

var nameShape = regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`)

// Scanner runs the layered scan. Zero value is unusable; use NewScanner.
type Scanner struct {
	enabled    bool
	nerEnabled bool
	logger     *zap.Logger
}

// NewScanner builds a scanner. When enabled is false every scan passes
// unchanged.
func NewScanner(enabled, nerEnabled bool) *Scanner {
	return &Scanner{enabled: enabled, nerEnabled: nerEnabled, logger: logging.L("security")}
}

// Scan runs all configured layers over content. Any internal panic degrades
// to pass with a warning: the scanner protects writes, it never vetoes them
// by accident.
func (s *Scanner) Scan(content string) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("scanner panic, degrading to pass", zap.Any("panic", r))
			result = Result{Action: ActionPass, Content: content, ScanDuration: time.Since(start)}
		}
	}()

	if !s.enabled {
		return Result{Action: ActionPass, Content: content, ScanDuration: time.Since(start)}
	}

	findings := s.layer1(content)
	layers := []int{1}

	findings = s.layer2(content, findings)
	layers = append(layers, 2)

	if s.nerEnabled {
		findings = append(findings, s.layer3(content)...)
		layers = append(layers, 3)
	}

	sort.Slice(findings, func(i, j int) bool { return findings[i].Start < findings[j].Start })

	for _, f := range findings {
		if ruleByName(f.Type).block {
			return Result{
				Action:         ActionBlocked,
				Content:        content,
				Findings:       findings,
				LayersExecuted: layers,
				ScanDuration:   time.Since(start),
			}
		}
	}

	if len(findings) == 0 {
		return Result{Action: ActionPass, Content: content, LayersExecuted: layers, ScanDuration: time.Since(start)}
	}

	return Result{
		Action:         ActionMasked,
		Content:        mask(content, findings),
		Findings:       findings,
		LayersExecuted: layers,
		ScanDuration:   time.Since(start),
	}
}

// layer1 collects raw regex matches, skipping spans already claimed by an
// earlier rule.
func (s *Scanner) layer1(content string) []Finding {
	var findings []Finding
	for _, r := range l1Rules {
		for _, loc := range r.re.FindAllStringIndex(content, -1) {
			if overlaps(findings, loc[0], loc[1]) {
				continue
			}
			findings = append(findings, Finding{Type: r.name, Start: loc[0], End: loc[1], Layer: 1})
		}
	}
	return findings
}

// layer2 drops findings that context marks as illustrative, and IPv4
// matches that are really version strings.
func (s *Scanner) layer2(content string, findings []Finding) []Finding {
	kept := findings[:0]
	for _, f := range findings {
		line := strings.ToLower(enclosingLine(content, f.Start))
		cueHit := false
		for _, cue := range contextCues {
			if strings.Contains(line, cue) {
				cueHit = true
				break
			}
		}
		if cueHit {
			continue
		}
		if f.Type == "ipv4" && looksLikeVersion(content, f) {
			continue
		}
		f.Layer = 2
		kept = append(kept, f)
	}
	return kept
}

// layer3 is the heuristic NER pass: capitalized name pairs on lines with a
// person cue are masked.
func (s *Scanner) layer3(content string) []Finding {
	var findings []Finding
	offset := 0
	for _, line := range strings.SplitAfter(content, "\n") {
		lower := strings.ToLower(line)
		cueHit := false
		for _, cue := range nerCues {
			if strings.Contains(lower, cue) {
				cueHit = true
				break
			}
		}
		if cueHit {
			for _, loc := range nameShape.FindAllStringIndex(line, -1) {
				start, end := offset+loc[0], offset+loc[1]
				if !overlaps(findings, start, end) {
					findings = append(findings, Finding{Type: "person_name", Start: start, End: end, Layer: 3})
				}
			}
		}
		offset += len(line)
	}
	return findings
}

// mask replaces finding spans right to left so earlier offsets stay valid.
func mask(content string, findings []Finding) string {
	masked := content
	for i := len(findings) - 1; i >= 0; i-- {
		f := findings[i]
		repl := replacementFor(f.Type)
		masked = masked[:f.Start] + repl + masked[f.End:]
	}
	return masked
}

func replacementFor(name string) string {
	if name == "person_name" {
		return "[NAME_REDACTED]"
	}
	if r := ruleByName(name); r.replacement != "" {
		return r.replacement
	}
	return "[REDACTED]"
}

func ruleByName(name string) rule {
	for _, r := range l1Rules {
		if r.name == name {
			return r
		}
	}
	return rule{}
}

func overlaps(findings []Finding, start, end int) bool {
	for _, f := range findings {
		if start < f.End && end > f.Start {
			return true
		}
	}
	return false
}

// enclosingLine returns the line containing byte offset pos.
func enclosingLine(content string, pos int) string {
	begin := strings.LastIndexByte(content[:pos], '\n') + 1
	end := strings.IndexByte(content[pos:], '\n')
	if end < 0 {
		return content[begin:]
	}
	return content[begin : pos+end]
}

// looksLikeVersion reports whether an ipv4-shaped match sits on a line that
// talks about versions rather than hosts.
func looksLikeVersion(content string, f Finding) bool {
	line := strings.ToLower(enclosingLine(content, f.Start))
	return strings.Contains(line, "version")
}
