package persona

import (
	"regexp"
	"strings"
)

// Speaking-style post-processing applied to completion output. Transforms are
// deterministic: the same input and style always produce the same output.

var cheerfulLexicon = []struct {
	pattern *regexp.Regexp
	lively  string
}{
	{regexp.MustCompile(`(?i)\bgood\b`), "great"},
	{regexp.MustCompile(`(?i)\bnice\b`), "wonderful"},
	{regexp.MustCompile(`(?i)\blike\b`), "love"},
	{regexp.MustCompile(`(?i)\bhappy\b`), "thrilled"},
}

var formalContractions = []struct {
	pattern  *regexp.Regexp
	expanded string
}{
	{regexp.MustCompile(`(?i)\bdon't\b`), "do not"},
	{regexp.MustCompile(`(?i)\bcan't\b`), "cannot"},
	{regexp.MustCompile(`(?i)\bwon't\b`), "will not"},
	{regexp.MustCompile(`(?i)\bit's\b`), "it is"},
	{regexp.MustCompile(`(?i)\bi'm\b`), "I am"},
}

// ApplyStyle runs the transform pipeline keyed by the speaking-style tag.
// Unrecognized or absent styles pass the text through unchanged.
func ApplyStyle(style, text string) string {
	style = strings.ToLower(style)
	if strings.Contains(style, "cheerful") {
		text = applyCheerful(text)
	}
	if strings.Contains(style, "formal") {
		text = applyFormal(text)
	}
	return strings.TrimSpace(text)
}

func applyCheerful(text string) string {
	trimmed := strings.TrimRight(text, " \t\n")
	if trimmed != "" && !emphatic(trimmed) {
		trimmed = strings.TrimRight(trimmed, ".") + "!"
	}
	for _, sub := range cheerfulLexicon {
		trimmed = sub.pattern.ReplaceAllString(trimmed, sub.lively)
	}
	return trimmed
}

func emphatic(s string) bool {
	return strings.HasSuffix(s, "!") || strings.HasSuffix(s, "...") || strings.HasSuffix(s, "?")
}

func applyFormal(text string) string {
	for _, sub := range formalContractions {
		text = sub.pattern.ReplaceAllString(text, sub.expanded)
	}
	return text
}
