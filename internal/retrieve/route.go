package retrieve

import (
	"strings"

	"engram/internal/memory"
	"engram/internal/trigger"
)

// Route is one collection a prompt should be searched in. Shared routes
// drop the group_id filter so cross-project records are visible.
type Route struct {
	Collection string
	Shared     bool
}

// conventionCues mark prompts asking about rules rather than history or
// code. Matched case-insensitively anywhere in the prompt.
var conventionCues = []string{
	"best practice",
	"convention",
	"guideline",
	"naming",
	"style guide",
	"standard way",
	"anti-pattern",
	"antipattern",
	"are we supposed to",
	"should i",
	"should we",
}

// RouteCollections maps a prompt to the collections worth searching.
// Rules run in order and repeated hits on a collection collapse; a prompt
// with no signal at all cascades to every collection.
func RouteCollections(prompt string) []Route {
	var routes []Route
	seen := map[string]bool{}
	add := func(collection string, shared bool) {
		if seen[collection] {
			return
		}
		seen[collection] = true
		routes = append(routes, Route{Collection: collection, Shared: shared})
	}

	lower := strings.ToLower(prompt)

	// 1. Decision-recall phrasing goes to past discussions.
	if trigger.DetectDecisionKeywords(prompt) != "" {
		add(memory.CollectionDiscussions, false)
	}

	// 2. Rule-seeking prompts go to the shared conventions.
	for _, cue := range conventionCues {
		if strings.Contains(lower, cue) {
			add(memory.CollectionConventions, true)
			break
		}
	}

	// 3. File paths in the prompt point at stored code patterns.
	if len(trigger.ExtractFilePaths(prompt)) > 0 {
		add(memory.CollectionCodePatterns, false)
	}

	// 4. Leading question words carry intent: how-questions want code,
	// what-questions want rules, why-questions want history.
	switch questionWord(lower) {
	case "how":
		add(memory.CollectionCodePatterns, false)
	case "what":
		add(memory.CollectionConventions, true)
	case "why":
		add(memory.CollectionDiscussions, false)
	}

	// 5. No signal: cascade all three.
	if len(routes) == 0 {
		add(memory.CollectionCodePatterns, false)
		add(memory.CollectionConventions, true)
		add(memory.CollectionDiscussions, false)
	}
	return routes
}

// questionWord returns the first word of the prompt when it is an intent
// cue, or "".
func questionWord(lower string) string {
	fields := strings.Fields(lower)
	if len(fields) == 0 {
		return ""
	}
	first := strings.TrimRight(fields[0], ",:;")
	switch first {
	case "how", "what", "why":
		return first
	}
	return ""
}
