package protocol

import "fmt"

// ClientError marks a failure caused by the caller's input. The HTTP
// layer reports these with a 400-class status and the error text;
// everything else is a server-internal failure and surfaces as a bare
// 500 with the cause logged.
type ClientError interface {
	error
	clientError()
}

// InvalidPayloadTypeError reports an envelope whose type tag does not
// match what the handler accepts.
type InvalidPayloadTypeError struct {
	Expected string
	Actual   string
}

func (e *InvalidPayloadTypeError) Error() string {
	return fmt.Sprintf("invalid payload type: expected %s, actual %s", e.Expected, e.Actual)
}

func (e *InvalidPayloadTypeError) clientError() {}

// PayloadExtractionError reports a payload that does not fit the shape
// its type tag promises.
type PayloadExtractionError struct {
	Detail string
}

func (e *PayloadExtractionError) Error() string {
	return "payload extraction failed: " + e.Detail
}

func (e *PayloadExtractionError) clientError() {}

// InvalidSigError reports a missing, malformed, or non-verifying
// envelope signature.
type InvalidSigError struct {
	Detail string
}

func (e *InvalidSigError) Error() string {
	return "invalid signature: " + e.Detail
}

func (e *InvalidSigError) clientError() {}

// DeserializationError reports a frame or body that is not a valid
// envelope at all.
type DeserializationError struct {
	Cause error
}

func (e *DeserializationError) Error() string {
	return "deserialization failed: " + e.Cause.Error()
}

func (e *DeserializationError) Unwrap() error { return e.Cause }

func (e *DeserializationError) clientError() {}

// SerializationError reports a value that could not be serialized for
// the wire.
type SerializationError struct {
	Cause error
}

func (e *SerializationError) Error() string {
	return "serialization failed: " + e.Cause.Error()
}

func (e *SerializationError) Unwrap() error { return e.Cause }

func (e *SerializationError) clientError() {}
