package transcribe

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// replacement maps one censored token to its spoken form. Order matters:
// longer variants of the same word must come before their prefixes.
type replacement struct {
	old string
	new string
}

// Speech engines emit swear words with asterisks. The relay renders
// transcripts verbatim, so they are expanded back here. Keep entries
// lowercase; capitalized forms are derived at replacement time.
var censorTable = []replacement{
	{"f**k", "fuck"},
	{"f***ing", "fucking"},
	{"f*****g", "fucking"},
	{"f******", "fucking"},
	{"fuck***t", "fucking bullshit"},
	{"fuck***", "fucking"},
	{"f**ing", "fucking"},
	{"f*****", "fucker"},
	{"f***", "fuck"},
	{"f**", "fuck"},
	{"sh**", "shit"},
	{"s**t", "shit"},
	{"s***", "shit"},
	{"a**", "ass"},
	{"b**ch", "bitch"},
	{"b***h", "bitch"},
	{"c***", "cunt"},
	{"p***y", "pussy"},
	{"d**n", "damn"},
	{"****", "fuck"},
}

// Decensor expands censored tokens in recognized text. Replacement is
// case sensitive and applied for the lowercase and capitalized form of
// each entry.
func Decensor(text string) string {
	for _, r := range censorTable {
		text = strings.ReplaceAll(text, r.old, r.new)
		text = strings.ReplaceAll(text, capitalize(r.old), capitalize(r.new))
	}
	return text
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	first, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(first)) + s[size:]
}
