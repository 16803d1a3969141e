package fhir

import (
	"html"
	"strings"
)

const xhtmlNamespace = "http://www.w3.org/1999/xhtml"

// NewNarrative wraps free text in an XHTML div. The text is HTML-escaped and
// line breaks become <br/> elements.
func NewNarrative(text string) *Narrative {
	escaped := html.EscapeString(text)
	escaped = strings.ReplaceAll(escaped, "\r\n", "\n")
	escaped = strings.ReplaceAll(escaped, "\n", "<br/>")
	return &Narrative{
		Status: "generated",
		Div:    `<div xmlns="` + xhtmlNamespace + `">` + escaped + `</div>`,
	}
}
