// Package domain normalizes and compares domain names, producing a graded
// match used to locate a target site inside provider result lists.
package domain

import (
	"strings"
)

// MatchType classifies how two domains relate after normalization.
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchNormalized MatchType = "normalized"
	MatchMainDomain MatchType = "main_domain"
	MatchSubdomain  MatchType = "subdomain"
	MatchPartial    MatchType = "partial"
	MatchNone       MatchType = "none"
)

// Result is the outcome of comparing two domains.
type Result struct {
	Matched     bool
	Type        MatchType
	Confidence  int // 0..100
	NormalizedA string
	NormalizedB string
}

// Match compares two free-form domain strings and returns a graded match.
//
// The decision ladder is evaluated top to bottom, first hit wins:
//  1. Raw strings equal: exact, 100.
//  2. Normalized forms equal: normalized, 95.
//  3. Singularized forms equal (plural/singular variants): normalized, 93.
//  4. Same registrable domain (last two labels): subdomain (85) when one
//     form is a strict subdomain of the other, main_domain (90) otherwise.
//  5. One normalized form contains the other: subdomain, 75.
//  6. Otherwise: none, 0.
func Match(a, b string) Result {
	na := Normalize(a)
	nb := Normalize(b)
	res := Result{Type: MatchNone, NormalizedA: na, NormalizedB: nb}

	if a == "" || b == "" {
		return res
	}

	if a == b {
		res.Matched = true
		res.Type = MatchExact
		res.Confidence = 100
		return res
	}

	if na == "" || nb == "" {
		return res
	}

	if na == nb {
		res.Matched = true
		res.Type = MatchNormalized
		res.Confidence = 95
		return res
	}

	sa := Singularize(na)
	sb := Singularize(nb)
	if sa == sb && (sa != na || sb != nb) {
		res.Matched = true
		res.Type = MatchNormalized
		res.Confidence = 93
		return res
	}

	if ma, mb := mainDomain(na), mainDomain(nb); ma != "" && ma == mb {
		res.Matched = true
		if strings.HasSuffix(na, "."+nb) || strings.HasSuffix(nb, "."+na) {
			res.Type = MatchSubdomain
			res.Confidence = 85
		} else {
			res.Type = MatchMainDomain
			res.Confidence = 90
		}
		return res
	}

	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		// Partial overlap is reported as a low-confidence subdomain match.
		res.Matched = true
		res.Type = MatchSubdomain
		res.Confidence = 75
		return res
	}

	return res
}

// Normalize reduces a free-form domain or URL to a canonical host form:
// scheme, mobile prefixes (www, www2, m, mobile), port, path, query,
// fragment and trailing dots are removed and the result is lower-cased.
// Normalize never fails; unusable input yields an empty string.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	// Strip scheme of any kind (http://, https://, ftp:// ...).
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}

	// Drop path, query and fragment.
	if idx := strings.IndexAny(s, "/?#"); idx >= 0 {
		s = s[:idx]
	}

	// Drop userinfo and port.
	if idx := strings.LastIndex(s, "@"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}

	s = strings.TrimRight(s, ".")

	// Strip mobile/www prefixes. Repeat so "www.m.example.com" collapses too.
	for {
		stripped := stripHostPrefix(s)
		if stripped == s {
			break
		}
		s = stripped
	}

	return s
}

func stripHostPrefix(host string) string {
	label, rest, ok := strings.Cut(host, ".")
	if !ok || rest == "" {
		return host
	}
	if label == "m" || label == "mobile" || label == "www" {
		return rest
	}
	if strings.HasPrefix(label, "www") && isDigits(label[3:]) && len(label) > 3 {
		return rest
	}
	return host
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Singularize applies a crude plural reduction to every label except the
// TLD so that "companies.co" and "company.co" compare equal. It is only a
// tolerance pass, not a linguistic stemmer.
func Singularize(host string) string {
	labels := strings.Split(host, ".")
	for i := 0; i < len(labels)-1; i++ {
		labels[i] = singularLabel(labels[i])
	}
	return strings.Join(labels, ".")
}

func singularLabel(label string) string {
	switch {
	case len(label) > 3 && strings.HasSuffix(label, "ies"):
		return label[:len(label)-3] + "y"
	case len(label) > 2 && strings.HasSuffix(label, "es"):
		return label[:len(label)-2]
	case len(label) > 1 && strings.HasSuffix(label, "s"):
		return label[:len(label)-1]
	default:
		return label
	}
}

// ExtractDomain pulls the bare host out of a result URL. Malformed input
// never panics; extraction failure yields an empty string so the matcher
// reports no match.
func ExtractDomain(rawURL string) string {
	host := Normalize(rawURL)
	if host == "" || !strings.Contains(host, ".") {
		return ""
	}
	// Reject hosts with characters that cannot appear in a hostname.
	for _, r := range host {
		valid := r == '.' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127
		if !valid {
			return ""
		}
	}
	return host
}

// mainDomain returns the last two labels of a host, or empty when the host
// has fewer than two labels.
func mainDomain(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return ""
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
