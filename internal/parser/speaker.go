package parser

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/parley/internal/game"
)

// Fuzzy speaker matching thresholds. A name that sounds like a character
// (shared Double Metaphone code) needs less string similarity than one that
// merely looks like it.
const (
	soundsLikeThreshold = 0.70
	looksLikeThreshold  = 0.85
)

// NormalizeName trims quotes, asterisks and whitespace from a proposed
// speaker name and capitalizes each space- or hyphen-separated part except
// the word "the". The rest of each part is left as written so names like
// "McDonald" survive.
func NormalizeName(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(`"'*_`, r)
	})

	var b strings.Builder
	b.Grow(len(s))
	start := 0
	flush := func(end int) {
		w := s[start:end]
		if w != "" && w != "the" {
			r, size := utf8.DecodeRuneInString(w)
			b.WriteRune(unicode.ToUpper(r))
			w = w[size:]
		}
		b.WriteString(w)
	}
	for i, r := range s {
		if r == ' ' || r == '-' {
			flush(i)
			b.WriteRune(r)
			start = i + 1
		}
	}
	flush(len(s))
	return b.String()
}

// attribution is the result of resolving a proposed speaker name.
type attribution int

const (
	attributedCharacter attribution = iota
	attributedPlayer
)

// resolveSpeaker maps a proposed name onto the turn's cast.
//
// Order: characters (exact, then by single word, case-sensitive before
// case-insensitive), the system role, the player's aliases, and finally a
// fuzzy match when enabled. A player alias outside radiant dialogue means
// the model started writing the player's line. In radiant dialogue it is
// reported as attributedPlayer together with a KindInvalidAuthor error, so
// callers can tell it apart from a word that merely precedes a signifier.
func resolveSpeaker(turn Turn, candidate string, fuzzy bool) (game.Character, attribution, error) {
	name := NormalizeName(candidate)
	if name == "" {
		return game.Character{}, 0, newError(KindInvalidAuthor, "empty speaker name")
	}
	if c, ok := matchCharacter(turn.Characters, name); ok {
		return c, attributedCharacter, nil
	}
	if strings.EqualFold(name, turn.Prompt.SystemName) {
		return game.Character{}, 0, newError(KindSystemLoop, "reply attributed to %q", name)
	}
	for _, alias := range turn.PlayerAliases {
		if !strings.EqualFold(name, alias) {
			continue
		}
		if turn.Radiant {
			return game.Character{}, attributedPlayer, newError(KindInvalidAuthor, "player %q is not part of radiant dialogue", name)
		}
		return game.Character{}, attributedPlayer, nil
	}
	if fuzzy {
		if c, ok := fuzzyCharacter(turn.Characters, name); ok {
			return c, attributedCharacter, nil
		}
	}
	return game.Character{}, 0, newError(KindInvalidAuthor, "unknown speaker %q", name)
}

func matchCharacter(chars []game.Character, name string) (game.Character, bool) {
	exact := func(a, b string) bool { return a == b }
	for _, eq := range []func(a, b string) bool{exact, strings.EqualFold} {
		for _, c := range chars {
			if eq(c.Name, name) {
				return c, true
			}
		}
		if strings.ContainsRune(name, ' ') {
			continue
		}
		for _, c := range chars {
			for _, w := range strings.Fields(c.Name) {
				if eq(w, name) {
					return c, true
				}
			}
		}
	}
	return game.Character{}, false
}

// fuzzyCharacter picks the character whose name best resembles name. A
// character that sounds alike always beats one that only looks alike.
func fuzzyCharacter(chars []game.Character, name string) (game.Character, bool) {
	in := strings.Fields(strings.ToLower(name))
	inCodes := metaphones(in)

	var (
		best       game.Character
		bestScore  float64
		bestSounds bool
		found      bool
	)
	for _, c := range chars {
		words := strings.Fields(strings.ToLower(c.Name))
		if len(words) == 0 {
			continue
		}
		score := similarity(in, words)
		sounds := overlaps(inCodes, metaphones(words))
		switch {
		case sounds && score >= soundsLikeThreshold:
			if !bestSounds || score > bestScore {
				best, bestScore, bestSounds, found = c, score, true, true
			}
		case !sounds && !bestSounds && score >= looksLikeThreshold && score > bestScore:
			best, bestScore, found = c, score, true
		}
	}
	return best, found
}

func metaphones(words []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(words)*2)
	for _, w := range words {
		p, s := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the whole names, the
// names with spaces removed, and every word pair.
func similarity(a, b []string) float64 {
	score := matchr.JaroWinkler(strings.Join(a, " "), strings.Join(b, " "), false)
	if s := matchr.JaroWinkler(strings.Join(a, ""), strings.Join(b, ""), false); s > score {
		score = s
	}
	for _, x := range a {
		for _, y := range b {
			if s := matchr.JaroWinkler(x, y, false); s > score {
				score = s
			}
		}
	}
	return score
}
