package thread

import (
	"net/mail"
	"sort"
	"strings"

	"supporthub/cmd/internal/store"
)

// NormalizeAddress extracts and normalizes one email address.
// - Parses RFC 5322 values like "Name <user+alias@Example.COM>"
// - Lowercases
// - Strips +alias in the local part
// Returns "" if parsing fails.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr == nil {
		// Some headers are lists; take the first parseable entry.
		for _, p := range strings.Split(s, ",") {
			if a, e := mail.ParseAddress(strings.TrimSpace(p)); e == nil && a != nil {
				addr = a
				break
			}
		}
		if addr == nil {
			return ""
		}
	}
	return canonicalAddress(addr.Address)
}

func canonicalAddress(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return ""
	}
	local, domain := email[:at], email[at+1:]
	if plus := strings.IndexByte(local, '+'); plus > 0 {
		local = local[:plus]
	}
	return local + "@" + domain
}

// addressList parses a header value holding one or more addresses.
func addressList(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(v); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			if c := canonicalAddress(a.Address); c != "" {
				out = append(out, c)
			}
		}
		return out
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if c := NormalizeAddress(p); c != "" {
			out = append(out, c)
		}
	}
	return out
}

var participantHeaders = []string{"From", "To", "Cc", "Reply-To"}

// participantsOf returns the sorted, distinct addresses named in h.
func participantsOf(h store.Headers) []string {
	set := make(map[string]struct{})
	for _, name := range participantHeaders {
		for _, v := range h.Values(name) {
			for _, a := range addressList(v) {
				set[a] = struct{}{}
			}
		}
	}
	return sortedSet(set)
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
