package feeds

import (
	"errors"
	"fmt"
)

// ErrUnusableItem marks a feed item with nothing to identify or show it by.
var ErrUnusableItem = errors.New("item has no guid, title or link")

// FetchErrorKind classifies why a fetch failed.
type FetchErrorKind int

const (
	FetchTimeout FetchErrorKind = iota
	FetchUnreachable
	FetchHTTPStatus
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchTimeout:
		return "timeout"
	case FetchUnreachable:
		return "unreachable"
	case FetchHTTPStatus:
		return "http_status"
	}
	return "unknown"
}

// FetchError is returned by a Fetcher when a document could not be retrieved.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int // set for FetchHTTPStatus
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchHTTPStatus:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	case FetchTimeout:
		return fmt.Sprintf("fetch %s: timed out", e.URL)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseErrorKind classifies why a document could not be parsed.
type ParseErrorKind int

const (
	ParseMalformed ParseErrorKind = iota
	ParseUnsupported
)

func (k ParseErrorKind) String() string {
	if k == ParseUnsupported {
		return "unsupported"
	}
	return "malformed"
}

// ParseError is returned by a Parser for documents it cannot read.
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse feed (%s): %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
