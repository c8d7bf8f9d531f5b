package contacts

import (
	"sort"
	"strings"
)

const tagSeparator = ", "

// TagSet is an ordered set of tag tokens. Tokens are trimmed, non-empty and
// unique under case folding; the first spelling wins.
type TagSet []string

// ParseTags splits a comma-separated cell into a TagSet.
func ParseTags(raw string) TagSet {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	var set TagSet
	for _, part := range parts {
		token := strings.TrimSpace(part)
		if token == "" {
			continue
		}
		key := strings.ToLower(token)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		set = append(set, token)
	}
	return set
}

// String joins the tokens with ", ".
func (t TagSet) String() string {
	return strings.Join(t, tagSeparator)
}

// Column returns the stored form: nil for an empty set.
func (t TagSet) Column() *string {
	if len(t) == 0 {
		return nil
	}
	joined := t.String()
	return &joined
}

// Contains reports whether tag is a member, ignoring case.
func (t TagSet) Contains(tag string) bool {
	tag = strings.TrimSpace(tag)
	for _, token := range t {
		if strings.EqualFold(token, tag) {
			return true
		}
	}
	return false
}

// Without returns the set minus tag and whether anything was removed.
func (t TagSet) Without(tag string) (TagSet, bool) {
	tag = strings.TrimSpace(tag)
	var remaining TagSet
	removed := false
	for _, token := range t {
		if strings.EqualFold(token, tag) {
			removed = true
			continue
		}
		remaining = append(remaining, token)
	}
	return remaining, removed
}

// uniqueSorted merges several sets into sorted distinct tokens, folding case.
func uniqueSorted(sets []TagSet) []string {
	seen := make(map[string]struct{})
	tokens := make([]string, 0)
	for _, set := range sets {
		for _, token := range set {
			key := strings.ToLower(token)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			tokens = append(tokens, token)
		}
	}
	sort.Strings(tokens)
	return tokens
}
