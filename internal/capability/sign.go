package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"
)

// canonicalForm builds the canonical serialization a capability token is
// signed over: "category|actions(sorted)|resource|agent_id|granted_at|expires_at"
// per permission, joined, so a token granting multiple permissions has a
// deterministic single MAC regardless of slice ordering at construction.
func canonicalForm(t *Token) string {
	perms := make([]Permission, len(t.Permissions))
	copy(perms, t.Permissions)
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Category != perms[j].Category {
			return perms[i].Category < perms[j].Category
		}
		return perms[i].Resource < perms[j].Resource
	})

	var parts []string
	for _, p := range perms {
		actions := make([]string, len(p.Actions))
		copy(actions, p.Actions)
		sort.Strings(actions)
		parts = append(parts, fmt.Sprintf("%s|%s|%s", p.Category, strings.Join(actions, ","), p.Resource))
	}

	expires := ""
	if t.ExpiresAt != nil {
		expires = t.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	return fmt.Sprintf("%s|%s|%s|%s",
		strings.Join(parts, ";"),
		t.AgentID,
		t.GrantedAt.UTC().Format(time.RFC3339Nano),
		expires,
	)
}

// signWith computes a keyed MAC (HMAC-SHA256) over the canonical form.
func signWith(secret []byte, t *Token) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonicalForm(t)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// verifyWith checks t.Signature against any of the provided secrets
// (supports rotation — §4.B "accepting any of a listed set of secrets"),
// comparing in constant time.
func verifyWith(secrets [][]byte, t *Token) bool {
	want := []byte(t.Signature)
	for _, secret := range secrets {
		got := []byte(signWith(secret, t))
		if len(got) != len(want) {
			continue
		}
		if subtle.ConstantTimeCompare(got, want) == 1 {
			return true
		}
	}
	return false
}
