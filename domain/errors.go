package domain

import "errors"

// Error taxonomy for the tender pipeline. Each class wraps the underlying
// cause; callers classify with errors.As via the Is* helpers.

// ValidationError: bad input to an endpoint. Never retried.
type ValidationError struct{ Err error }

func (e ValidationError) Error() string {
	if e.Err == nil {
		return "validation error"
	}
	return e.Err.Error()
}

func (e ValidationError) Unwrap() error { return e.Err }

func Validation(err error) error { return ValidationError{Err: err} }

func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// PreconditionError: a state-machine transition was requested out of order
// (e.g. process before ingestion is done). Surfaced immediately, no retry.
type PreconditionError struct{ Err error }

func (e PreconditionError) Error() string {
	if e.Err == nil {
		return "precondition not met"
	}
	return e.Err.Error()
}

func (e PreconditionError) Unwrap() error { return e.Err }

func Precondition(err error) error { return PreconditionError{Err: err} }

func IsPrecondition(err error) bool {
	var pe PreconditionError
	return errors.As(err, &pe)
}

// IngestionError: the corpus import failed. Fatal to the current run,
// recoverable only via an explicit retry.
type IngestionError struct{ Err error }

func (e IngestionError) Error() string {
	if e.Err == nil {
		return "ingestion failed"
	}
	return e.Err.Error()
}

func (e IngestionError) Unwrap() error { return e.Err }

func Ingestion(err error) error { return IngestionError{Err: err} }

func IsIngestion(err error) bool {
	var ie IngestionError
	return errors.As(err, &ie)
}

// QuotaExceededError: the external service rate-limited the call. Retried
// with backoff; degrades to a per-question GenerationError once retries
// are exhausted.
type QuotaExceededError struct{ Err error }

func (e QuotaExceededError) Error() string {
	if e.Err == nil {
		return "quota exceeded"
	}
	return e.Err.Error()
}

func (e QuotaExceededError) Unwrap() error { return e.Err }

func QuotaExceeded(err error) error { return QuotaExceededError{Err: err} }

func IsQuotaExceeded(err error) bool {
	var qe QuotaExceededError
	return errors.As(err, &qe)
}

// GenerationError: one question failed. Recorded inline as an empty answer,
// never fails the run.
type GenerationError struct{ Err error }

func (e GenerationError) Error() string {
	if e.Err == nil {
		return "generation failed"
	}
	return e.Err.Error()
}

func (e GenerationError) Unwrap() error { return e.Err }

func Generation(err error) error { return GenerationError{Err: err} }

func IsGeneration(err error) bool {
	var ge GenerationError
	return errors.As(err, &ge)
}

// PersistenceError: writing the result artifact failed. Fatal: an
// unreported run is equivalent to no run.
type PersistenceError struct{ Err error }

func (e PersistenceError) Error() string {
	if e.Err == nil {
		return "persistence failed"
	}
	return e.Err.Error()
}

func (e PersistenceError) Unwrap() error { return e.Err }

func Persistence(err error) error { return PersistenceError{Err: err} }

func IsPersistence(err error) bool {
	var pe PersistenceError
	return errors.As(err, &pe)
}
