// Package tokens counts tokens with the fixed cl100k_base encoding. All
// truncation budgets and injection budgets in the pipeline are denominated
// in these tokens, so every component must count the same way.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once sync.Once
	enc  *tiktoken.Tiktoken
)

func encoder() *tiktoken.Tiktoken {
	once.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// Leave enc nil; Count falls back to the estimate.
			return
		}
		enc = e
	})
	return enc
}

// Count returns the cl100k_base token count of text. If the encoding cannot
// be loaded (offline environments), it falls back to Estimate.
func Count(text string) int {
	if text == "" {
		return 0
	}
	e := encoder()
	if e == nil {
		return Estimate(text)
	}
	return len(e.Encode(text, nil, nil))
}

// Estimate approximates the token count as len/4, the usual density of
// English prose under BPE encodings.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
