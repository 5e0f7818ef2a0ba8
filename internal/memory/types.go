// Package memory defines the record model shared by every part of the
// pipeline: the closed memory-type enumeration, the per-type routing table
// (collection, embedding model, truncation policy, source authority), the
// source-hook whitelist, and deterministic content hashing / point identity.
//
// The routing table is deliberately a single declarative structure. Adding a
// type means adding one table row; nothing else in the pipeline switches on
// type names.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/google/uuid"
)

// Collection names. Three namespaces in the vector store.
const (
	CollectionCodePatterns = "code-patterns"
	CollectionConventions  = "conventions"
	CollectionDiscussions  = "discussions"
)

// Collections lists all collection names in creation order.
func Collections() []string {
	return []string{CollectionCodePatterns, CollectionConventions, CollectionDiscussions}
}

// GroupUniversal and GroupShared mark records visible across projects.
// Everything else is tenant-scoped by project name.
const (
	GroupUniversal = "universal"
	GroupShared    = "shared"
)

// SharedGroup reports whether a group id is cross-project.
func SharedGroup(groupID string) bool {
	return groupID == GroupUniversal || groupID == GroupShared
}

// EmbedKind selects which embedding model family encodes a record.
type EmbedKind string

const (
	EmbedProse EmbedKind = "prose"
	EmbedCode  EmbedKind = "code"
)

// TruncationPolicy names the smart-truncation rule applied before embedding.
type TruncationPolicy string

const (
	// TruncateCeiling applies only the collection-wide 8192-token ceiling.
	TruncateCeiling TruncationPolicy = "ceiling"
	// TruncateSentence end-truncates at the nearest sentence boundary
	// within the type's token budget and appends the " [...]" marker.
	TruncateSentence TruncationPolicy = "sentence"
	// TruncateFirstLast keeps head and tail with a middle marker.
	TruncateFirstLast TruncationPolicy = "first_last"
	// TruncateStructured preserves command and error sections verbatim and
	// first/last-truncates only the bulk output section.
	TruncateStructured TruncationPolicy = "structured"
)

// Type is one value of the closed memory-type enumeration. Unknown values
// fail validation and never reach the store.
type Type string

// Code-pattern types.
const (
	TypeImplementation Type = "implementation"
	TypeErrorFix       Type = "error_fix"
	TypeRefactor       Type = "refactor"
	TypeFilePattern    Type = "file_pattern"
	TypeErrorPattern   Type = "error_pattern"
	TypeOptimization   Type = "optimization"
	TypeTestPattern    Type = "test_pattern"
)

// Convention types. Usually stored under a shared group id.
const (
	TypeRule                Type = "rule"
	TypeGuideline           Type = "guideline"
	TypeNamingConvention    Type = "naming_convention"
	TypeStructureConvention Type = "structure_convention"
	TypePortConvention      Type = "port_convention"
	TypeAntiPattern         Type = "anti_pattern"
	TypeBestPractice        Type = "best_practice"
)

// Discussion types.
const (
	TypeSession       Type = "session"
	TypeDecision      Type = "decision"
	TypeBlocker       Type = "blocker"
	TypePreference    Type = "preference"
	TypeUserMessage   Type = "user_message"
	TypeAgentResponse Type = "agent_response"
	TypeGithubIssue   Type = "github_issue"
	TypeGithubPR      Type = "github_pr"
	TypeGithubCommit  Type = "github_commit"
	TypeGithubCI      Type = "github_ci"
	TypeGithubRelease Type = "github_release"
	TypeGithubCode    Type = "github_code_blob"
	TypeJiraIssue     Type = "jira_issue"
	TypeJiraComment   Type = "jira_comment"
	TypeAgentHandoff  Type = "agent_handoff"
	TypeAgentMemory   Type = "agent_memory"
	TypeAgentTask     Type = "agent_task"
	TypeAgentInsight  Type = "agent_insight"
)

// Source-authority levels. Machine-verifiable artifacts (diffs, CI results,
// code blobs) carry full authority; descriptive human text carries less.
const (
	AuthorityHuman   = 0.4
	AuthorityMachine = 1.0
)

// Info is one row of the routing table: everything the write path needs to
// know about a type.
type Info struct {
	// Collection the type is stored in.
	Collection string
	// Embed selects the embedding model family.
	Embed EmbedKind
	// Truncation is the smart-truncation policy applied before embedding.
	Truncation TruncationPolicy
	// Budget is the truncation token budget. Zero means only the ceiling
	// applies.
	Budget int
	// Authority is the source_authority written at capture.
	Authority float64
}

// TokenCeiling is the collection-wide truncation ceiling in tokens.
const TokenCeiling = 8192

var typeTable = map[Type]Info{
	// code-patterns: embedded with the code model, tenant-scoped.
	TypeImplementation: {CollectionCodePatterns, EmbedCode, TruncateCeiling, 0, AuthorityHuman},
	TypeErrorFix:       {CollectionCodePatterns, EmbedCode, TruncateStructured, 0, AuthorityHuman},
	TypeRefactor:       {CollectionCodePatterns, EmbedCode, TruncateCeiling, 0, AuthorityHuman},
	TypeFilePattern:    {CollectionCodePatterns, EmbedCode, TruncateCeiling, 0, AuthorityHuman},
	TypeErrorPattern:   {CollectionCodePatterns, EmbedCode, TruncateStructured, 0, AuthorityHuman},
	TypeOptimization:   {CollectionCodePatterns, EmbedCode, TruncateCeiling, 0, AuthorityHuman},
	TypeTestPattern:    {CollectionCodePatterns, EmbedCode, TruncateCeiling, 0, AuthorityHuman},

	// conventions: prose model, untruncated until the ceiling.
	TypeRule:                {CollectionConventions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeGuideline:           {CollectionConventions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeNamingConvention:    {CollectionConventions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeStructureConvention: {CollectionConventions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypePortConvention:      {CollectionConventions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeAntiPattern:         {CollectionConventions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeBestPractice:        {CollectionConventions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},

	// discussions: prose model except raw code blobs.
	TypeSession:       {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeDecision:      {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeBlocker:       {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypePreference:    {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeUserMessage:   {CollectionDiscussions, EmbedProse, TruncateSentence, 2000, AuthorityHuman},
	TypeAgentResponse: {CollectionDiscussions, EmbedProse, TruncateSentence, 3000, AuthorityHuman},
	TypeGithubIssue:   {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeGithubPR:      {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeGithubCommit:  {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityMachine},
	TypeGithubCI:      {CollectionDiscussions, EmbedProse, TruncateFirstLast, 4000, AuthorityMachine},
	TypeGithubRelease: {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityMachine},
	TypeGithubCode:    {CollectionDiscussions, EmbedCode, TruncateCeiling, 0, AuthorityMachine},
	TypeJiraIssue:     {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeJiraComment:   {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeAgentHandoff:  {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeAgentMemory:   {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeAgentTask:     {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
	TypeAgentInsight:  {CollectionDiscussions, EmbedProse, TruncateCeiling, 0, AuthorityHuman},
}

// Valid reports whether t is in the closed enumeration.
func (t Type) Valid() bool {
	_, ok := typeTable[t]
	return ok
}

// Info returns the routing-table row for t. ok is false for unknown types.
func (t Type) Info() (Info, bool) {
	info, ok := typeTable[t]
	return info, ok
}

// Collection returns the collection t routes to, or "" for unknown types.
func (t Type) Collection() string {
	return typeTable[t].Collection
}

// AllTypes returns the enumeration sorted by name.
func AllTypes() []Type {
	out := make([]Type, 0, len(typeTable))
	for t := range typeTable {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TypesForCollection returns the sorted types routed to a collection.
func TypesForCollection(collection string) []Type {
	var out []Type
	for t, info := range typeTable {
		if info.Collection == collection {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EmbedKindFor returns the embedding family used for queries against a
// collection. Queries must ride the same family the collection was stored
// with.
func EmbedKindFor(collection string) EmbedKind {
	if collection == CollectionCodePatterns {
		return EmbedCode
	}
	return EmbedProse
}

// Hook names. source_hook on every record is drawn from this whitelist.
const (
	HookSessionStart         = "session_start"
	HookUserPromptCapture    = "user_prompt_capture"
	HookContextInjection     = "context_injection"
	HookPostToolCapture      = "post_tool_capture"
	HookAgentResponseCapture = "agent_response_capture"
	HookErrorPatternCapture  = "error_pattern_capture"
	HookErrorDetection       = "error_detection"
	HookFirstEditTrigger     = "first_edit_trigger"
	HookNewFileTrigger       = "new_file_trigger"
	HookReadContextTrigger   = "read_context_trigger"
	HookPreCompactSave       = "pre_compact_save"

	// Non-hook origins that may also write records.
	SourceGithubSync = "github_sync"
	SourceJiraSync   = "jira_sync"
	SourceCLI        = "cli"
	SourceBackfill   = "backfill"
)

var sourceHooks = map[string]struct{}{
	HookSessionStart:         {},
	HookUserPromptCapture:    {},
	HookContextInjection:     {},
	HookPostToolCapture:      {},
	HookAgentResponseCapture: {},
	HookErrorPatternCapture:  {},
	HookErrorDetection:       {},
	HookFirstEditTrigger:     {},
	HookNewFileTrigger:       {},
	HookReadContextTrigger:   {},
	HookPreCompactSave:       {},
	SourceGithubSync:         {},
	SourceJiraSync:           {},
	SourceCLI:                {},
	SourceBackfill:           {},
}

// ValidSourceHook reports whether name is a whitelisted record origin.
func ValidSourceHook(name string) bool {
	_, ok := sourceHooks[name]
	return ok
}

// pointNamespace seeds deterministic point ids. Changing it would orphan
// every existing point, so it is fixed for the life of the store.
var pointNamespace = uuid.MustParse("8f1b5c3a-2d4e-4b7a-9c6d-0e5f7a2b4c8d")

// ContentHash returns the deterministic dedup hash of the original content,
// taken before masking and truncation so retries of the same capture
// converge on one identity.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// PointID derives the vector-store point id from a content hash. Same
// content, same id: upserts are idempotent and ambiguous retries cannot
// create duplicates.
func PointID(contentHash string) string {
	return uuid.NewSHA1(pointNamespace, []byte(contentHash)).String()
}
