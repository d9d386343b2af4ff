package memory

import "strings"

// DefaultChunkSize is the target chunk length in words.
const DefaultChunkSize = 300

// SplitSentences breaks text on sentence boundaries: '.', '?' or '!'
// followed by whitespace. The terminator stays with its sentence.
func SplitSentences(text string) []string {
	var sentences []string
	var start int

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '?', '!':
			// Consume any run of terminators ("?!", "...").
			j := i
			for j+1 < len(runes) {
				switch runes[j+1] {
				case '.', '?', '!':
					j++
					continue
				}
				break
			}
			if j+1 >= len(runes) || isSpace(runes[j+1]) {
				s := strings.TrimSpace(string(runes[start : j+1]))
				if s != "" {
					sentences = append(sentences, s)
				}
				start = j + 1
			}
			i = j
		}
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

// ChunkText splits text into chunks of roughly targetWords words using
// sentence-aware accumulation: a sentence that would push the current
// chunk past the target closes it first. A single sentence longer than
// the target becomes its own oversized chunk. No chunk is empty.
func ChunkText(text string, targetWords int) []string {
	if targetWords <= 0 {
		targetWords = DefaultChunkSize
	}

	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	var current []string
	currentWords := 0

	for _, sentence := range sentences {
		n := len(strings.Fields(sentence))
		if currentWords > 0 && currentWords+n > targetWords {
			chunks = append(chunks, strings.Join(current, " "))
			current = current[:0]
			currentWords = 0
		}
		current = append(current, sentence)
		currentWords += n
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}
