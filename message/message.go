// Package message defines the envelope model exchanged between client and server.
//
// Every WebSocket binary frame carries exactly one envelope: a Request going
// client → server or a Response going server → client. Envelopes are encoded
// by the codec package and carry an undecoded msgpack payload; the actual
// payload type is only known to the handler registered for the method.
package message

import (
	"github.com/vmihailenco/msgpack/v5"
)

// RequestType distinguishes the frames a client may send for a sequence.
type RequestType uint8

const (
	// RequestMessage carries a data payload and, optionally, leading metadata.
	RequestMessage RequestType = 0

	// RequestEndOfStream tells the server no more messages follow for this
	// sequence.
	RequestEndOfStream RequestType = 1

	// RequestMetadata carries leading metadata on its own, before the first
	// data message of a streaming request.
	RequestMetadata RequestType = 2

	// RequestCancel terminates the request. The server sends no further
	// frames for the sequence once the cancel has propagated.
	RequestCancel RequestType = 3
)

func (t RequestType) String() string {
	switch t {
	case RequestMessage:
		return "MESSAGE"
	case RequestEndOfStream:
		return "END_OF_STREAM"
	case RequestMetadata:
		return "METADATA"
	case RequestCancel:
		return "CANCEL"
	}
	return "UNKNOWN"
}

// ResponseType distinguishes the frames a server may send for a sequence.
type ResponseType uint8

const (
	// ResponseMessage carries a data payload and may carry metadata.
	ResponseMessage ResponseType = 0

	// ResponseEndOfStream tells the client no more messages follow. It may
	// carry trailing metadata.
	ResponseEndOfStream ResponseType = 1

	// ResponseMetadata carries leading metadata before the first data message
	// of a streaming response.
	ResponseMetadata ResponseType = 2

	// ResponseError carries an Error payload. Implies end of stream.
	ResponseError ResponseType = 3
)

func (t ResponseType) String() string {
	switch t {
	case ResponseMessage:
		return "MESSAGE"
	case ResponseEndOfStream:
		return "END_OF_STREAM"
	case ResponseMetadata:
		return "METADATA"
	case ResponseError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Metadata is an unordered key/value map carried alongside data frames.
// Duplicate keys within a single frame collapse to last-write-wins during
// decoding.
type Metadata map[string]any

// Request is the envelope for one client → server frame.
//
// Wire form is the array [seq, data, method, type?, metadata?]. Seq identifies
// the request across its lifetime; frames with the same seq belong to the same
// request. Seq 0 is reserved. Data stays undecoded until the handler's payload
// type is known.
type Request struct {
	Seq      uint64
	Data     msgpack.RawMessage
	Method   string
	Type     RequestType
	Metadata Metadata
}

// Response is the envelope for one server → client frame.
//
// Wire form is the array [seq, data, type?, leading_metadata?,
// trailing_metadata?]. Leading metadata is sent at most once per request and
// precedes any data; trailing metadata rides only on the terminal frame.
type Response struct {
	Seq              uint64
	Data             msgpack.RawMessage
	Type             ResponseType
	LeadingMetadata  Metadata
	TrailingMetadata Metadata
}
