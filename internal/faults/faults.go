// Package faults tags errors with the failure classes the rest of the module
// reacts to. Callers branch on the tag with Is, never on message text.
package faults

import (
	"fmt"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

const (
	// ResourceUnavailable marks a missing device, synthesizer or encoder
	// executable. The feature is disabled, nothing is retried.
	ResourceUnavailable ftag.Kind = "RESOURCE_UNAVAILABLE"
	// MalformedInput marks tick/tempo data that violates an invariant.
	MalformedInput ftag.Kind = "MALFORMED_INPUT"
	// ExternalProcessFailure marks a non-zero exit from an encoder or muxer.
	ExternalProcessFailure ftag.Kind = "EXTERNAL_PROCESS_FAILURE"
)

// Unavailable wraps err as ResourceUnavailable. A nil err yields a fresh error.
func Unavailable(err error, msg string) error {
	if err == nil {
		return fault.New(msg, ftag.With(ResourceUnavailable))
	}
	return fault.Wrap(err, fmsg.With(msg), ftag.With(ResourceUnavailable))
}

// Malformed returns a MalformedInput error.
func Malformed(format string, args ...any) error {
	return fault.New(fmt.Sprintf(format, args...), ftag.With(MalformedInput))
}

// External wraps err as ExternalProcessFailure, keeping the process
// diagnostic as the user-facing description.
func External(err error, msg, diagnostic string) error {
	if err == nil {
		err = fault.New(msg)
	}
	if diagnostic == "" {
		return fault.Wrap(err, fmsg.With(msg), ftag.With(ExternalProcessFailure))
	}
	return fault.Wrap(err, fmsg.WithDesc(msg, diagnostic), ftag.With(ExternalProcessFailure))
}

// Wrap adds context without changing the tag.
func Wrap(err error, msg string) error {
	return fault.Wrap(err, fmsg.With(msg))
}

// Is reports whether err carries kind.
func Is(err error, kind ftag.Kind) bool {
	if err == nil {
		return false
	}
	return ftag.Get(err) == kind
}
