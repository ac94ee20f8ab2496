package telegram

import "strings"

const textLimit = 4000

// splitText cuts long messages into chunks Telegram accepts, preferring
// newline boundaries and, in HTML mode, never cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	html := strings.EqualFold(parseMode, "HTML")
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			if cut := lastNewline(rs, start, end, limit/3); cut > 0 {
				end = cut
			}
			if html {
				if open := danglingTag(rs, start, end); open > start+1 {
					end = open
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// lastNewline returns the index just past the last newline in rs[start:end]
// that leaves at least minChunk runes, or -1.
func lastNewline(rs []rune, start, end, minChunk int) int {
	for i := end - 1; i > start; i-- {
		if rs[i] == '\n' && i-start >= minChunk {
			return i + 1
		}
	}
	return -1
}

// danglingTag returns the index of an unclosed '<' in rs[start:end], or -1.
func danglingTag(rs []rune, start, end int) int {
	lastOpen, lastClose := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			lastOpen = i
		case '>':
			lastClose = i
		}
	}
	if lastOpen > lastClose {
		return lastOpen
	}
	return -1
}
