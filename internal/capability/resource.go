package capability

import "strings"

// matchResource implements §3.2's resource matching: a resource without a
// glob matches the request resource exactly or as a "/"-prefixed subtree;
// a resource containing a glob character is matched with resourceGlob.
func matchResource(granted, requested string) bool {
	if granted == "" {
		return true
	}
	if strings.ContainsAny(granted, "*?") {
		return resourceGlob(granted, requested)
	}
	if granted == requested {
		return true
	}
	return strings.HasPrefix(requested, strings.TrimSuffix(granted, "/")+"/")
}

// resourceGlob matches "*" against any run of characters and "**" against
// any run including path separators, mirroring internal/policy's glob
// semantics without introducing a dependency on that package.
func resourceGlob(pattern, s string) bool {
	segs := tokenizeResourceGlob(pattern)
	return matchResourceSegs(segs, s)
}

func tokenizeResourceGlob(pattern string) []string {
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
		if pattern[i] == '*' {
			flush()
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				tokens = append(tokens, "**")
				i += 2
				continue
			}
			tokens = append(tokens, "*")
			i++
			continue
		}
		lit.WriteByte(pattern[i])
		i++
	}
	flush()
	return tokens
}

func matchResourceSegs(tokens []string, s string) bool {
	if len(tokens) == 0 {
		return s == ""
	}
	tok := tokens[0]
	switch tok {
	case "**":
		if matchResourceSegs(tokens[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if matchResourceSegs(tokens[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case "*":
		for i := 0; i <= len(s); i++ {
			if i > 0 && s[i-1] == '/' {
				break
			}
			if matchResourceSegs(tokens[1:], s[i:]) {
				return true
			}
		}
		return false
	default:
		if !strings.HasPrefix(s, tok) {
			return false
		}
		return matchResourceSegs(tokens[1:], s[len(tok):])
	}
}

// expandFilesystemResource returns a literal filesystem resource's "/**"
// twin per §3.2/§4.B: "a literal path P becomes {P, P/**}". Globbed paths
// are kept verbatim.
func expandFilesystemResource(resource string) []string {
	if resource == "" || strings.ContainsAny(resource, "*?") {
		return []string{resource}
	}
	return []string{resource, strings.TrimSuffix(resource, "/") + "/**"}
}
