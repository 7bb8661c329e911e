package main

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"fprintd/internal/finger"
)

// fingerDisplayName turns "right-index" into "Right Index Finger".
func fingerDisplayName(name string) string {
	f, ok := finger.Parse(name)
	if !ok {
		return name
	}
	return cases.Title(language.Und).String(strings.ReplaceAll(f.LongName(), "-", " "))
}

func fingerDisplayNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, fingerDisplayName(name))
	}
	return out
}
