package parser

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// CleanSentence normalizes a completed sentence for speech and storage:
// NFKC normalization, double quotes and bold markers removed, the optional
// preface pattern stripped, whitespace collapsed. The passes repeat until
// nothing changes, so CleanSentence(CleanSentence(s)) == CleanSentence(s).
func CleanSentence(s string, preface *regexp.Regexp) string {
	for {
		next := cleanOnce(s, preface)
		if next == s {
			return next
		}
		s = next
	}
}

func cleanOnce(s string, preface *regexp.Regexp) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, `"`, "")
	s = strings.ReplaceAll(s, "**", "")
	if preface != nil {
		s = preface.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// speakable reports whether s contains at least one letter or digit.
func speakable(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}

// indexAny returns the earliest position of any needle in s, and the length
// of the needle found there. Ties go to the longest needle.
func indexAny(s string, needles []string) (int, int) {
	at, size := -1, 0
	for _, n := range needles {
		if n == "" {
			continue
		}
		i := strings.Index(s, n)
		if i < 0 {
			continue
		}
		if at < 0 || i < at || (i == at && len(n) > size) {
			at, size = i, len(n)
		}
	}
	return at, size
}

// closers may trail a sentence terminator and still belong to the sentence.
const closers = `"')]}»”’`

// sentenceEnd finds the first complete sentence in s: a run of terminator
// characters, optionally followed by closing quotes or brackets, followed by
// whitespace. It returns the index just past the sentence, or -1 when no
// sentence is complete yet.
func sentenceEnd(s, terminators string) int {
	for i, r := range s {
		if !strings.ContainsRune(terminators, r) {
			continue
		}
		j := i
		for j < len(s) {
			r, size := utf8.DecodeRuneInString(s[j:])
			if !strings.ContainsRune(terminators, r) {
				break
			}
			j += size
		}
		for j < len(s) {
			r, size := utf8.DecodeRuneInString(s[j:])
			if !strings.ContainsRune(closers, r) {
				break
			}
			j += size
		}
		if j < len(s) {
			if r, _ := utf8.DecodeRuneInString(s[j:]); unicode.IsSpace(r) {
				return j
			}
		}
	}
	return -1
}
