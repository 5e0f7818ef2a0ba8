package memory

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeTableComplete(t *testing.T) {
	all := AllTypes()
	require.Len(t, all, 32)

	valid := map[string]bool{
		CollectionCodePatterns: true,
		CollectionConventions:  true,
		CollectionDiscussions:  true,
	}
	for _, typ := range all {
		info, ok := typ.Info()
		require.True(t, ok, "missing table row for %s", typ)
		assert.True(t, valid[info.Collection], "type %s routes to unknown collection %q", typ, info.Collection)
		assert.Contains(t, []float64{AuthorityHuman, AuthorityMachine}, info.Authority, "type %s authority", typ)
	}
}

func TestTypeRouting(t *testing.T) {
	tests := []struct {
		typ        Type
		collection string
		embed      EmbedKind
	}{
		{TypeImplementation, CollectionCodePatterns, EmbedCode},
		{TypeErrorFix, CollectionCodePatterns, EmbedCode},
		{TypeGuideline, CollectionConventions, EmbedProse},
		{TypeRule, CollectionConventions, EmbedProse},
		{TypeDecision, CollectionDiscussions, EmbedProse},
		{TypeUserMessage, CollectionDiscussions, EmbedProse},
		// Code blobs live in discussions but embed with the code model.
		{TypeGithubCode, CollectionDiscussions, EmbedCode},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			info, ok := tt.typ.Info()
			require.True(t, ok)
			assert.Equal(t, tt.collection, info.Collection)
			assert.Equal(t, tt.embed, info.Embed)
		})
	}
}

func TestTypeValid(t *testing.T) {
	assert.True(t, TypeDecision.Valid())
	assert.False(t, Type("totally_made_up").Valid())
	assert.False(t, Type("").Valid())
}

func TestMachineAuthority(t *testing.T) {
	for _, typ := range []Type{TypeGithubCommit, TypeGithubCI, TypeGithubRelease, TypeGithubCode} {
		info, _ := typ.Info()
		assert.Equal(t, AuthorityMachine, info.Authority, "type %s", typ)
	}
	info, _ := TypeUserMessage.Info()
	assert.Equal(t, AuthorityHuman, info.Authority)
}

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash("why did we choose port 26350?")
	b := ContentHash("why did we choose port 26350?")
	c := ContentHash("something else entirely")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestPointIDDeterministic(t *testing.T) {
	hash := ContentHash("the same content")

	id1 := PointID(hash)
	id2 := PointID(hash)
	assert.Equal(t, id1, id2, "same hash must derive the same point id")

	parsed, err := uuid.Parse(id1)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())

	other := PointID(ContentHash("different content"))
	assert.NotEqual(t, id1, other)
}

func TestValidSourceHook(t *testing.T) {
	assert.True(t, ValidSourceHook(HookUserPromptCapture))
	assert.True(t, ValidSourceHook(SourceCLI))
	assert.False(t, ValidSourceHook("rogue_hook"))
}

func TestRecordValidate(t *testing.T) {
	good := NewRecord("body", ContentHash("body"), "proj", TypeDecision, HookUserPromptCapture, "s1")
	require.NoError(t, good.Validate())

	tests := []struct {
		name   string
		mutate func(*Record)
	}{
		{"missing content_hash", func(r *Record) { r.ContentHash = "" }},
		{"missing group_id", func(r *Record) { r.GroupID = "" }},
		{"unknown type", func(r *Record) { r.Type = "nonsense" }},
		{"unknown source_hook", func(r *Record) { r.SourceHook = "rogue" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := good
			tt.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestRecordPayloadRoundTrip(t *testing.T) {
	r := NewRecord("fixed the import", ContentHash("fixed the import"), "proj", TypeErrorFix, HookErrorPatternCapture, "s9")
	r.FilePath = "cmd/main.go"
	r.TurnNumber = 3
	r.Extra = map[string]any{"pr_number": float64(42)}

	payload := r.Payload()
	assert.Equal(t, "fixed the import", payload["content"])
	assert.Equal(t, "proj", payload["group_id"])
	assert.Equal(t, string(TypeErrorFix), payload["type"])
	assert.Equal(t, float64(42), payload["pr_number"])
	// Zero optionals must be omitted.
	_, hasLang := payload["language"]
	assert.False(t, hasLang)

	back := FromPayload(payload)
	assert.Equal(t, r.Content, back.Content)
	assert.Equal(t, r.Type, back.Type)
	assert.Equal(t, r.TurnNumber, back.TurnNumber)
	assert.Equal(t, float64(42), back.Extra["pr_number"])
}

func TestExtraNeverShadowsCanonical(t *testing.T) {
	r := NewRecord("body", ContentHash("body"), "proj", TypeDecision, SourceCLI, "s1")
	r.Extra = map[string]any{"content": "spoofed"}

	payload := r.Payload()
	assert.Equal(t, "body", payload["content"])
}

func TestNewRecordDefaults(t *testing.T) {
	r := NewRecord("x y z", ContentHash("x y z"), "proj", TypeGithubCommit, SourceGithubSync, "s1")

	assert.Equal(t, EmbeddingPending, r.EmbeddingStatus)
	assert.Equal(t, AuthorityMachine, r.SourceAuthority)
	assert.Equal(t, 1.0, r.DecayScore)
	assert.True(t, r.IsCurrent)
	assert.Equal(t, 1, r.Version)
	assert.NotEmpty(t, r.Timestamp)
	assert.Equal(t, r.Timestamp, r.CreatedAt)
}
