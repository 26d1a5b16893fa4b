package extract

import (
	"context"
	"errors"
)

var errFake = errors.New("element detached")

type fakeDocument struct {
	title    string
	url      string
	sections []*fakeElement
}

func (d *fakeDocument) Title() string     { return d.title }
func (d *fakeDocument) URL() string       { return d.url }
func (d *fakeDocument) Interactive() bool { return true }

func (d *fakeDocument) Find(string) ([]Element, error) {
	out := make([]Element, 0, len(d.sections))
	for _, s := range d.sections {
		out = append(out, s)
	}
	return out, nil
}

type fakeElement struct {
	text     string
	attrs    map[string]string
	children map[string][]*fakeElement
	err      error
	clicks   int
}

func (e *fakeElement) Text() (string, error) {
	return e.text, e.err
}

func (e *fakeElement) Attr(name string) (string, bool, error) {
	v, ok := e.attrs[name]
	return v, ok, e.err
}

func (e *fakeElement) Find(selector string) ([]Element, error) {
	if e.err != nil {
		return nil, e.err
	}
	kids := e.children[selector]
	out := make([]Element, 0, len(kids))
	for _, k := range kids {
		out = append(out, k)
	}
	return out, nil
}

func (e *fakeElement) Click(context.Context) error {
	e.clicks++
	return e.err
}
