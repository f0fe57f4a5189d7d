package bus

import "strings"

// matchChannel implements §4.D's pattern vocabulary: exact match; "*"
// matches any value; "prefix.*" matches any value with "prefix." as a
// string prefix; "*.suffix" matches any value ending ".suffix"; "a.*.b"
// matches exactly one non-empty, dot-free segment between "a." and ".b".
func matchChannel(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	if pattern == "*" {
		return true
	}
	if strings.Count(pattern, "*") != 1 {
		return false
	}

	switch {
	case strings.HasSuffix(pattern, ".*"):
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(channel, prefix) && len(channel) > len(prefix)

	case strings.HasPrefix(pattern, "*."):
		suffix := strings.TrimPrefix(pattern, "*")
		return strings.HasSuffix(channel, suffix) && len(channel) > len(suffix)

	default:
		idx := strings.Index(pattern, ".*.")
		if idx < 0 {
			return false
		}
		prefix := pattern[:idx+1]
		suffix := pattern[idx+2:]
		if !strings.HasPrefix(channel, prefix) {
			return false
		}
		rest := strings.TrimPrefix(channel, prefix)
		if !strings.HasSuffix(rest, suffix) {
			return false
		}
		middle := strings.TrimSuffix(rest, suffix)
		return middle != "" && !strings.Contains(middle, ".")
	}
}
