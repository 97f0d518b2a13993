package session

import (
	"time"

	"golang.org/x/text/language"
)

// DefaultLocale is used when no configured locale matches.
var DefaultLocale = language.AmericanEnglish

var (
	supportedLocales = []language.Tag{language.AmericanEnglish, language.BritishEnglish}
	localeMatcher    = language.NewMatcher(supportedLocales)
	longDateLayouts  = map[language.Tag]string{
		language.AmericanEnglish: "January 2, 2006",
		language.BritishEnglish:  "2 January 2006",
	}
)

// ResolveLocale maps a BCP 47 string to a supported locale, falling back to
// DefaultLocale for unparsable or unmatched input.
func ResolveLocale(s string) language.Tag {
	tag, err := language.Parse(s)
	if err != nil {
		return DefaultLocale
	}
	_, idx, conf := localeMatcher.Match(tag)
	if conf == language.No {
		return DefaultLocale
	}
	return supportedLocales[idx]
}

// FormatLongDate renders t as a long-form date ("May 14, 2025" for en-US).
func FormatLongDate(t time.Time, locale language.Tag) string {
	layout, ok := longDateLayouts[locale]
	if !ok {
		layout = longDateLayouts[DefaultLocale]
	}
	return t.Format(layout)
}
