package normalize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var multiSpace = regexp.MustCompile(`\s+`)

// Fold strips diacritics ("AÇÃO" → "ACAO").
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Key folds diacritics, uppercases, collapses whitespace, and trims. Every
// lookup table is keyed on Key(value).
func Key(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ToUpper(Fold(s))
	return multiSpace.ReplaceAllString(s, " ")
}

// ClientTable canonicalizes client names: exact aliases first, then suffix
// stripping, then aliases again on the stripped name.
type ClientTable struct {
	Aliases       map[string]string `yaml:"aliases"`
	StripSuffixes []string          `yaml:"strip_suffixes"`
}

// ClientNormalizer is a compiled ClientTable.
type ClientNormalizer struct {
	aliases  map[string]string
	suffixes []clientSuffix
}

// clientSuffix is a keyed strip suffix. A suffix configured with leading
// whitespace (" LTDA") only matches as a separate word.
type clientSuffix struct {
	key  string
	word bool
}

func (s clientSuffix) match(k string) (string, bool) {
	suf := s.key
	if s.word {
		suf = " " + suf
	}
	if len(k) <= len(suf) || !strings.HasSuffix(k, suf) {
		return k, false
	}
	return strings.TrimSpace(strings.TrimSuffix(k, suf)), true
}

// NewClientNormalizer keys the alias table and orders suffixes longest first
// so "_RX_PLANTAO" wins over "_PLANTAO".
func NewClientNormalizer(t ClientTable) *ClientNormalizer {
	n := &ClientNormalizer{aliases: make(map[string]string, len(t.Aliases))}
	for from, to := range t.Aliases {
		n.aliases[Key(from)] = Key(to)
	}
	for _, s := range t.StripSuffixes {
		if k := Key(s); k != "" {
			word := strings.TrimLeftFunc(s, unicode.IsSpace) != s
			n.suffixes = append(n.suffixes, clientSuffix{key: k, word: word})
		}
	}
	sort.SliceStable(n.suffixes, func(i, j int) bool {
		return len(n.suffixes[i].key) > len(n.suffixes[j].key)
	})
	return n
}

// Canonical returns the canonical client name.
func (n *ClientNormalizer) Canonical(name string) string {
	k := Key(name)
	if k == "" {
		return ""
	}
	if to, ok := n.aliases[k]; ok {
		return to
	}
	stripped := n.strip(k)
	if to, ok := n.aliases[stripped]; ok {
		return to
	}
	return stripped
}

func (n *ClientNormalizer) strip(k string) string {
	for {
		changed := false
		for _, suf := range n.suffixes {
			if out, ok := suf.match(k); ok {
				k = out
				changed = true
				break
			}
		}
		if !changed {
			return k
		}
	}
}

// Validate checks that every alias target is a fixed point, which makes
// Canonical idempotent.
func (n *ClientNormalizer) Validate() error {
	for from, to := range n.aliases {
		if got := n.Canonical(to); got != to {
			return fmt.Errorf("client alias %q -> %q is not canonical (re-normalizes to %q)", from, to, got)
		}
	}
	return nil
}

// Apply rewrites the client field in place.
func (n *ClientNormalizer) Apply(f map[string]string, field string) []Change {
	return set(f, field, n.Canonical(f[field]), nil)
}
