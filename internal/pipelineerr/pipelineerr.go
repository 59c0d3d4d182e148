// Package pipelineerr classifies the errors produced across the ingest
// and transcode pipeline into a fixed taxonomy so callers can branch on
// Kind without string matching.
package pipelineerr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error categories the pipeline produces.
type Kind string

const (
	Protocol  Kind = "Protocol"
	Transport Kind = "Transport"
	Storage   Kind = "Storage"
	Broker    Kind = "Broker"
	Muxer     Kind = "Muxer"
	Sequence  Kind = "Sequence"
	Ownership Kind = "Ownership"
)

// Error is a pipeline error tagged with a Kind, optionally wrapping an
// underlying cause.
type Error struct {
	Kind     Kind
	StreamID string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.StreamID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: stream %s: %s: %v", e.Kind, e.StreamID, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s: stream %s: %s", e.Kind, e.StreamID, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no stream association.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WrapStream builds an Error associated with a specific stream.
func WrapStream(kind Kind, streamID, message string, cause error) *Error {
	return &Error{Kind: kind, StreamID: streamID, Message: message, Cause: cause}
}

// Is reports whether err is a pipeline Error of the given Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == kind
}

// KindOf returns the Kind of err if it is a pipeline Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if !errors.As(err, &pe) {
		return "", false
	}
	return pe.Kind, true
}
