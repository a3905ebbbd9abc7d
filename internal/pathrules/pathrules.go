// Package pathrules resolves per-URL-prefix overrides of the global
// compression/ETag/CORS/max-age configuration, independent of request
// identity: the channel key and artifact paths computed elsewhere never
// consult a Rule, only the config values used while producing them do.
package pathrules

import "strings"

// Rule overrides a subset of the global Config for requests whose
// cleaned URL starts with Prefix. A nil field means "inherit the global
// value"; Rules.Find never merges fields across rules, so a matching
// Rule with CompressExtensions nil still falls back to the global
// compressible set rather than disabling compression.
type Rule struct {
	Prefix string

	CompressExtensions []string
	ETagEnabled        *bool
	ETagAlgorithm      *string
	MaxAge             *int
	AccessControlAllowOrigin *string
}

// Rules is an ordered list of Rule, consulted in order; the first whose
// Prefix matches (including the catch-all empty Prefix) wins.
type Rules []Rule

// Find returns the first rule whose Prefix is a prefix of urlPath, or nil
// if none matches. An empty-Prefix rule matches every URL and should be
// placed last by the caller building the list, so it acts as a catch-all
// only after every more specific prefix has had a chance to match.
func (rs Rules) Find(urlPath string) *Rule {
	for i := range rs {
		if rs[i].Prefix == "" || strings.HasPrefix(urlPath, rs[i].Prefix) {
			return &rs[i]
		}
	}
	return nil
}
