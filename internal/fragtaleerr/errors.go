// Package fragtaleerr defines the sentinel error kinds surfaced by the
// broker: clock/schema/auth failures surface immediately, storage
// transience is retried locally, and integrity repair never blocks ingest.
// Callers use errors.Is against the sentinels below; wrapped context is
// added with fmt.Errorf("...: %w", err) rather than a generic error-code
// hierarchy.
package fragtaleerr

import "errors"

var (
	// ErrClockOutOfTolerance is returned by Publish when the Time Service's
	// NTP gate is closed. The caller may retry.
	ErrClockOutOfTolerance = errors.New("fragtale: clock out of tolerance")

	// ErrSchemaViolation is returned by Publish when the document fails the
	// topic's attached schema. Not retried.
	ErrSchemaViolation = errors.New("fragtale: schema violation")

	// ErrNoInstanceIDAvailable is returned by the Instance Coordinator when
	// no instance_id is claimable within the bounded retry budget. Fatal at
	// startup.
	ErrNoInstanceIDAvailable = errors.New("fragtale: no instance id available")

	// ErrStorageUnavailable wraps a storage backend failure after the
	// configured retry budget is exhausted.
	ErrStorageUnavailable = errors.New("fragtale: storage unavailable")

	// ErrBackendInconsistent is returned when quorum could not be reached on
	// an identity or secret operation. Fatal.
	ErrBackendInconsistent = errors.New("fragtale: backend inconsistent")

	// ErrUnknownTopic is returned by query/ack operations against a topic
	// that has never been provisioned. Publish auto-provisions instead of
	// returning this.
	ErrUnknownTopic = errors.New("fragtale: unknown topic")

	// ErrProofUnavailable is returned by Verify when the event's proof has
	// not yet completed the upper BDT levels. Transient.
	ErrProofUnavailable = errors.New("fragtale: proof unavailable")

	// ErrConsumerCursorConflict is returned when two processes race to claim
	// the same consumer_id. The last writer should retry.
	ErrConsumerCursorConflict = errors.New("fragtale: consumer cursor conflict")

	// ErrEventNotFound is returned by Next when no event becomes deliverable
	// before the long-poll window elapses.
	ErrEventNotFound = errors.New("fragtale: event not found")
)
