package policy

import "strings"

// matchGlob matches s against a glob pattern supporting "**" (any number of
// path segments, including none), "*" (any run of characters excluding '/'),
// and "?" (any single character excluding '/'). It is a small hand-rolled
// matcher rather than filepath.Match because filepath.Match has no "**"
// support and treats '/' inconsistently across platforms.
func matchGlob(pattern, s string) bool {
	return matchGlobSegments(splitGlob(pattern), s)
}

// splitGlob tokenizes a glob pattern into literal runs and wildcard markers,
// collapsing "**" into a distinct token from "*".
func splitGlob(pattern string) []string {
	var tokens []string
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, lit.String())
			lit.Reset()
		}
	}
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch c {
		case '*':
			flush()
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				tokens = append(tokens, "**")
				i += 2
				// consume an optional following slash so "**/x" matches "x" too
				if i < len(pattern) && pattern[i] == '/' {
					i++
				}
				continue
			}
			tokens = append(tokens, "*")
			i++
		case '?':
			flush()
			tokens = append(tokens, "?")
			i++
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return tokens
}

func matchGlobSegments(tokens []string, s string) bool {
	return matchRec(tokens, 0, s)
}

func matchRec(tokens []string, ti int, s string) bool {
	if ti == len(tokens) {
		return s == ""
	}
	tok := tokens[ti]
	switch tok {
	case "**":
		// "**" matches any sequence, including across '/'.
		if matchRec(tokens, ti+1, s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if matchRec(tokens, ti+1, s[i+1:]) {
				return true
			}
		}
		return false
	case "*":
		// "*" matches any run not containing '/'.
		for i := 0; i <= len(s); i++ {
			if i > 0 && s[i-1] == '/' {
				break
			}
			if matchRec(tokens, ti+1, s[i:]) {
				return true
			}
		}
		return false
	case "?":
		if len(s) == 0 || s[0] == '/' {
			return false
		}
		return matchRec(tokens, ti+1, s[1:])
	default:
		if !strings.HasPrefix(s, tok) {
			return false
		}
		return matchRec(tokens, ti+1, s[len(tok):])
	}
}
