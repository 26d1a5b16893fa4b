// Package extract turns errata pages into records. Pages are reached through
// the Document and Element interfaces so the same extraction runs against
// static markup and a live browser page.
package extract

import "context"

// Document is a fetched errata page.
type Document interface {
	Title() string
	URL() string
	Find(selector string) ([]Element, error)
	// Interactive reports whether Click changes the document. Static
	// markup returns false and the extractor skips expansion waits.
	Interactive() bool
}

// Element is a node within a Document.
type Element interface {
	Text() (string, error)
	Attr(name string) (string, bool, error)
	Find(selector string) ([]Element, error)
	Click(ctx context.Context) error
}
