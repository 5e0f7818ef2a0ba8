package hooks

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"time"
)

// transcriptRetries and transcriptRetryDelay bound the wait for the host to
// flush the transcript after the Stop event fires.
const (
	transcriptRetries    = 3
	transcriptRetryDelay = 100 * time.Millisecond
)

// transcriptLine is one JSONL row of the session transcript. Content is
// either a plain string or a list of typed blocks depending on host version.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// LastAssistantMessage returns the text of the newest assistant turn in a
// transcript file. The Stop event can fire before the host flushes the
// final line, so a miss is retried a few times before giving up with "".
func LastAssistantMessage(path string) string {
	if path == "" {
		return ""
	}
	for attempt := 0; attempt < transcriptRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(transcriptRetryDelay)
		}
		if text := lastAssistantText(path); text != "" {
			return text
		}
	}
	return ""
}

func lastAssistantText(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var tl transcriptLine
		if err := json.Unmarshal(line, &tl); err != nil {
			continue
		}
		if tl.Type != "assistant" && tl.Message.Role != "assistant" {
			continue
		}
		if text := contentText(tl.Message.Content); text != "" {
			last = text
		}
	}
	return last
}

// contentText extracts text from either content shape: a plain string or a
// block list whose text blocks are concatenated.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
