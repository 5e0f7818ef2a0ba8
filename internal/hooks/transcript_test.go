package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	var data []byte
	for _, l := range lines {
		data = append(data, l...)
		data = append(data, '\n')
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLastAssistantMessageKeepsNewest(t *testing.T) {
	path := writeTranscript(t,
		`{"type": "user", "message": {"role": "user", "content": "hello"}}`,
		`{"type": "assistant", "message": {"role": "assistant", "content": "first answer"}}`,
		`{"type": "user", "message": {"role": "user", "content": "and then?"}}`,
		`{"type": "assistant", "message": {"role": "assistant", "content": "second answer"}}`,
	)
	assert.Equal(t, "second answer", LastAssistantMessage(path))
}

func TestLastAssistantMessageJoinsTextBlocks(t *testing.T) {
	path := writeTranscript(t,
		`{"type": "assistant", "message": {"role": "assistant", "content": [{"type": "text", "text": "part one"}, {"type": "tool_use", "id": "t1"}, {"type": "text", "text": "part two"}]}}`,
	)
	assert.Equal(t, "part one\npart two", LastAssistantMessage(path))
}

func TestLastAssistantMessageSkipsGarbageLines(t *testing.T) {
	path := writeTranscript(t,
		`not json at all`,
		``,
		`{"type": "assistant", "message": {"role": "assistant", "content": "survived"}}`,
		`{"truncated": `,
	)
	assert.Equal(t, "survived", LastAssistantMessage(path))
}

func TestLastAssistantMessageMissingFile(t *testing.T) {
	assert.Empty(t, LastAssistantMessage(filepath.Join(t.TempDir(), "nope.jsonl")))
	assert.Empty(t, LastAssistantMessage(""))
}

func TestLastAssistantMessageNoAssistantTurns(t *testing.T) {
	path := writeTranscript(t,
		`{"type": "user", "message": {"role": "user", "content": "monologue"}}`,
	)
	assert.Empty(t, LastAssistantMessage(path))
}
