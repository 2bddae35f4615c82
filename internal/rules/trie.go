// Package rules implements the domain classification engine used by routing:
// reverse-label tries built from rule lists, and a refresher that swaps
// complete rule sets atomically.
package rules

import "strings"

// MatchKind selects how an inserted domain matches hosts.
type MatchKind uint8

const (
	// MatchSuffix matches the domain itself and every sub-domain.
	MatchSuffix MatchKind = 1 << iota
	// MatchExact matches only the domain itself.
	MatchExact
)

type trieNode struct {
	children map[string]*trieNode
	suffix   bool
	exact    bool
}

func (n *trieNode) child(label string) *trieNode {
	if n.children == nil {
		return nil
	}
	return n.children[label]
}

// DomainTrie is keyed by domain label from the TLD inward, so a suffix match
// is a walk from the root. A trie must not be modified once it is shared
// with readers; build a new one instead.
type DomainTrie struct {
	root  trieNode
	rules int
}

// NewDomainTrie returns an empty trie.
func NewDomainTrie() *DomainTrie {
	return &DomainTrie{}
}

// NormalizeDomain lowercases d and strips surrounding whitespace, a leading
// "*." or "." and a trailing root dot.
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "*.")
	d = strings.TrimPrefix(d, ".")
	return strings.TrimSuffix(d, ".")
}

// Insert adds domain with the given kind. Inserting the same domain twice
// with different kinds sets both flags.
func (t *DomainTrie) Insert(domain string, kind MatchKind) bool {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return false
	}
	labels := strings.Split(domain, ".")
	n := &t.root
	for i := len(labels) - 1; i >= 0; i-- {
		label := labels[i]
		if label == "" {
			return false
		}
		next := n.child(label)
		if next == nil {
			if n.children == nil {
				n.children = make(map[string]*trieNode)
			}
			next = &trieNode{}
			n.children[label] = next
		}
		n = next
	}
	if kind&MatchSuffix != 0 && !n.suffix {
		n.suffix = true
		t.rules++
	}
	if kind&MatchExact != 0 && !n.exact {
		n.exact = true
		t.rules++
	}
	return true
}

// Match reports whether host is covered by a suffix rule on any ancestor
// (or the host itself) or by an exact rule on the host itself.
func (t *DomainTrie) Match(host string) bool {
	host = NormalizeDomain(host)
	if host == "" {
		return false
	}
	n := &t.root
	end := len(host)
	for end > 0 {
		start := strings.LastIndexByte(host[:end], '.') + 1
		n = n.child(host[start:end])
		if n == nil {
			return false
		}
		if n.suffix {
			return true
		}
		if start == 0 {
			return n.exact
		}
		end = start - 1
	}
	return false
}

// Len returns the number of rules in the trie.
func (t *DomainTrie) Len() int {
	return t.rules
}
