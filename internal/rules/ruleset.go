package rules

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// RuleSet is one named, immutable domain list.
type RuleSet struct {
	Name     string
	LoadedAt time.Time
	Stale    bool // loaded from cache after a failed download

	trie *DomainTrie
}

// Match reports whether host is classified by this set.
func (rs *RuleSet) Match(host string) bool {
	if rs == nil || rs.trie == nil {
		return false
	}
	return rs.trie.Match(host)
}

// Len returns the number of rules in the set.
func (rs *RuleSet) Len() int {
	if rs == nil || rs.trie == nil {
		return 0
	}
	return rs.trie.Len()
}

// ParseRules builds a RuleSet from a rule list. Recognized lines:
//
//	domain:example.com    suffix rule
//	full:example.com      exact rule
//	example.com           suffix rule
//	0.0.0.0 ads.test      hosts-file entry, suffix rule
//
// Comments start with '#' or '!'. Trailing "@attr" markers are ignored, as
// are keyword: and regexp: entries.
func ParseRules(name string, r io.Reader) (*RuleSet, error) {
	trie := NewDomainTrie()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexAny(line, "#!"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i := strings.IndexByte(line, '@'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		kind := MatchSuffix
		switch {
		case strings.HasPrefix(line, "full:"):
			kind = MatchExact
			line = strings.TrimPrefix(line, "full:")
		case strings.HasPrefix(line, "domain:"):
			line = strings.TrimPrefix(line, "domain:")
		case strings.HasPrefix(line, "keyword:"), strings.HasPrefix(line, "regexp:"), strings.HasPrefix(line, "include:"):
			continue
		default:
			if fields := strings.Fields(line); len(fields) >= 2 && net.ParseIP(fields[0]) != nil {
				line = fields[1]
			}
		}
		if net.ParseIP(line) != nil || line == "localhost" {
			continue
		}
		trie.Insert(line, kind)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rule list %s: %w", name, err)
	}
	return &RuleSet{Name: name, LoadedAt: time.Now(), trie: trie}, nil
}

// ParseRuleBytes is ParseRules over an in-memory list.
func ParseRuleBytes(name string, data []byte) (*RuleSet, error) {
	return ParseRules(name, bytes.NewReader(data))
}
