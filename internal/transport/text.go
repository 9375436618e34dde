package transport

import "strings"

// TextLimit keeps one message under Telegram's 4096 character cap with room
// for entities.
const TextLimit = 4000

// SplitText splits long text on newline boundaries where possible.
func SplitText(s string, limit int) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, len(rs)/limit+1)
	for start := 0; start < len(rs); {
		end := start + limit
		if end >= len(rs) {
			end = len(rs)
		} else {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
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
