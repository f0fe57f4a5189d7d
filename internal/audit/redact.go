package audit

import "regexp"

// Redactor removes detail fields whose names match a configurable set of
// secret-field patterns (§3.5 "redaction removes fields whose names match
// the secret pattern set"; §9 "keep the list externally configurable").
type Redactor struct {
	patterns []*regexp.Regexp
}

// DefaultSecretFieldPatterns mirrors the field-name vocabulary behind
// pkg/security/secrets.go's value-scanning patterns (api key, secret,
// token, password, private key, connection string credentials), adapted
// here to match audit detail *keys* rather than scan arbitrary source
// text.
func DefaultSecretFieldPatterns() []string {
	return []string{
		`(?i)api[_-]?key`,
		`(?i)secret`,
		`(?i)password`,
		`(?i)passwd`,
		`(?i)token`,
		`(?i)auth(orization)?`,
		`(?i)private[_-]?key`,
		`(?i)access[_-]?key`,
		`(?i)credential`,
		`(?i)connection[_-]?string`,
	}
}

// NewRedactor compiles patterns, skipping any that fail to compile.
func NewRedactor(patterns []string) *Redactor {
	r := &Redactor{}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
	return r
}

const redactedPlaceholder = "[REDACTED]"

// Apply returns a copy of entry with matching detail fields redacted.
// The rest of the entry is copied shallowly; Details is always a fresh
// map so callers can't mutate the original through the result.
func (r *Redactor) Apply(e Entry) Entry {
	if len(e.Details) == 0 {
		return e
	}
	out := e
	out.Details = make(map[string]any, len(e.Details))
	for k, v := range e.Details {
		if r.matches(k) {
			out.Details[k] = redactedPlaceholder
		} else {
			out.Details[k] = v
		}
	}
	return out
}

func (r *Redactor) matches(key string) bool {
	for _, re := range r.patterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}
