package normalizer

import (
	"net/url"
	"sort"
	"strings"
)

// Query keys that only carry attribution and never change the target.
var trackingQueryKeys = map[string]struct{}{
	"fbclid":   {},
	"gclid":    {},
	"dclid":    {},
	"msclkid":  {},
	"mc_cid":   {},
	"mc_eid":   {},
	"igshid":   {},
	"si":       {},
	"ref":      {},
	"ref_src":  {},
	"ref_url":  {},
	"share_id": {},
	"context":  {},
	"feature":  {},
	"_ga":      {},
	"_gl":      {},
	"yclid":    {},
	"spm":      {},
	"trk":      {},
	"cmpid":    {},
}

// Canonical form of a link: lowercase scheme and host, no default port, no
// "www.", no fragment or trailing slash, tracking parameters removed and the
// remaining query sorted. Links that do not parse come back trimmed but
// otherwise unchanged.
func CanonicalLink(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	candidate := trimmed
	if strings.HasPrefix(candidate, "//") {
		candidate = "https:" + candidate
	} else if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}

	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Host == "" {
		return trimmed
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme == "http" {
		parsed.Scheme = "https"
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	if port := parsed.Port(); port != "" && port != "80" && port != "443" {
		host = host + ":" + port
	}
	parsed.Host = host
	parsed.User = nil
	parsed.Fragment = ""
	parsed.RawFragment = ""

	path := parsed.EscapedPath()
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	path = strings.TrimSuffix(path, "/")
	if unescaped, err := url.PathUnescape(path); err == nil {
		parsed.Path = unescaped
		parsed.RawPath = path
	}

	q := parsed.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") {
			q.Del(key)
			continue
		}
		if _, ok := trackingQueryKeys[lower]; ok {
			q.Del(key)
		}
	}
	if len(q) > 0 {
		keys := make([]string, 0, len(q))
		for key := range q {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		reordered := url.Values{}
		for _, key := range keys {
			values := q[key]
			sort.Strings(values)
			for _, value := range values {
				reordered.Add(key, value)
			}
		}
		parsed.RawQuery = reordered.Encode()
	} else {
		parsed.RawQuery = ""
	}
	parsed.ForceQuery = false

	return parsed.String()
}

// Lowercased hostname of a link without "www.", or "" when it has none.
func Host(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}

// Reports whether host is domain or one of its subdomains.
func MatchesDomain(host, domain string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	domain = strings.TrimPrefix(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), "."), "www.")
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
