package render

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("tokenizer unavailable, falling back to word count", "error", err)
			return
		}
		enc = e
	})
	return enc
}

// CountTokens estimates the model token count of text with the cl100k_base
// encoding. When the encoding cannot be loaded it counts words instead.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return len(strings.Fields(text))
}
