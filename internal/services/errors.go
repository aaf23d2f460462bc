// Package services defines the business logic of the feedback relay: the
// relay engine driving the submission and reply flows, the consent gate, and
// moderator search. This file centralizes common service-level error values
// so that they can be consistently returned by service methods and checked
// by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes is performed at the
// handler layer. Not-found and no-prior-feedback are normal, expected
// outcomes, not failures; crypto and store errors are returned as plain
// wrapped errors and must be reported to humans with a generic message only.
package services

import "errors"

var (
	// ErrInvalidType is returned when a submission carries a feedback type
	// outside the allowed set (server_feedback, player_report).
	ErrInvalidType = errors.New("invalid feedback type")

	// ErrEmptyContent is returned when a submission or reply contains no text.
	ErrEmptyContent = errors.New("content is empty")

	// ErrTooLong is returned when submitted text exceeds the configured
	// maximum length limit.
	ErrTooLong = errors.New("content too long")

	// ErrFeedbackNotFound indicates that no feedback record exists for the
	// given feedback id.
	ErrFeedbackNotFound = errors.New("feedback not found")

	// ErrNoPriorFeedback indicates that a submitter reply could not be
	// correlated with any stored record: the submitter never opted in, never
	// submitted, or their record predates a key rotation.
	ErrNoPriorFeedback = errors.New("no prior feedback for this submitter")
)
