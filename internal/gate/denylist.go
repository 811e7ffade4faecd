package gate

import (
	"strings"
	"unicode"
)

// Placeholder submissions, compared against the normalized description with
// surrounding punctuation removed.
var spamTexts = map[string]struct{}{
	"test":              {},
	"tests":             {},
	"test test":         {},
	"testmeldung":       {},
	"testnachricht":     {},
	"dies ist ein test": {},
	"das ist ein test":  {},
	"bitte ignorieren":  {},
	"asdf":              {},
	"qwertz":            {},
	"xxx":               {},
	"lorem ipsum":       {},
}

var abuseTerms = map[string]struct{}{
	"arschloch":  {},
	"idiot":      {},
	"idioten":    {},
	"wichser":    {},
	"hurensohn":  {},
	"fotze":      {},
	"spast":      {},
	"missgeburt": {},
	"fuck":       {},
}

func isSpam(normalized string) bool {
	_, ok := spamTexts[strings.TrimFunc(normalized, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})]
	return ok
}

func isAbusive(normalized string) bool {
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		if _, ok := abuseTerms[w]; ok {
			return true
		}
	}
	return false
}
