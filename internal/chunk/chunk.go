// Package chunk splits oversized response text into an ordered sequence of
// transport-sized pieces. Concatenating the pieces reproduces the input
// exactly: no characters are dropped, duplicated, or reordered.
package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"unicode"

	"chatrelay/internal/domain"
)

// DefaultLimit is the fallback single-message size in runes when a transport
// does not declare one.
const DefaultLimit = 4096

// Split breaks text into chunks of at most limit runes each. Boundaries are
// preferred after sentence-ending punctuation; a single sentence longer than
// the limit is hard-split into fixed-size slices. Empty input yields no
// chunks; input within the limit yields exactly one.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur []rune
	for _, sentence := range sentences(runes) {
		if len(cur)+len(sentence) <= limit {
			cur = append(cur, sentence...)
			continue
		}
		if len(cur) > 0 {
			chunks = append(chunks, string(cur))
			cur = nil
		}
		// A lone sentence over the limit has no semantic boundary to cut at.
		// Emit full-size slices and carry the tail forward.
		for len(sentence) > limit {
			chunks = append(chunks, string(sentence[:limit]))
			sentence = sentence[limit:]
		}
		cur = append(cur, sentence...)
	}
	if len(cur) > 0 {
		chunks = append(chunks, string(cur))
	}
	return chunks
}

// sentences cuts runes after every run of sentence-ending punctuation that is
// followed by whitespace, keeping the whitespace with the preceding sentence
// so that concatenation is lossless and chunks never start mid-space.
func sentences(runes []rune) [][]rune {
	var out [][]rune
	start := 0
	i := 0
	for i < len(runes) {
		if !isTerminator(runes[i]) {
			i++
			continue
		}
		// Swallow consecutive terminators ("?!", "...").
		for i < len(runes) && isTerminator(runes[i]) {
			i++
		}
		if i >= len(runes) || !unicode.IsSpace(runes[i]) {
			continue
		}
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
		out = append(out, runes[start:i])
		start = i
	}
	if start < len(runes) {
		out = append(out, runes[start:])
	}
	return out
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

// SendAll delivers text through the transport in order, honoring the chunk
// delivery contract: reply threading attaches only to the first chunk,
// interactive controls only to the last, everything in between goes plain.
func SendAll(ctx context.Context, tr domain.Transport, chatID int64, text string, limit int, opts *domain.SendOptions, logger *slog.Logger) error {
	pieces := Split(text, limit)
	for i, piece := range pieces {
		var po *domain.SendOptions
		if opts != nil {
			switch {
			case i == 0 && opts.ReplyTo != 0:
				po = &domain.SendOptions{ReplyTo: opts.ReplyTo}
			case i == len(pieces)-1 && len(opts.Controls) > 0:
				po = &domain.SendOptions{Controls: opts.Controls}
			}
			if i == 0 && i == len(pieces)-1 {
				po = opts
			}
		}
		if _, err := tr.Send(ctx, chatID, piece, po); err != nil {
			if logger != nil {
				logger.Error("chunk send failed", "chat", chatID, "chunk", i, "of", len(pieces), "err", err)
			}
			return fmt.Errorf("%w: chunk %d of %d: %v", domain.ErrDeliveryFailed, i+1, len(pieces), err)
		}
	}
	return nil
}
