// Package codec encodes and decodes swill envelopes.
//
// An envelope is a msgpack array with optional slots truncated from the tail:
//
//	request:  [seq, data, method, type?, metadata?]
//	response: [seq, data, type?, leading_metadata?, trailing_metadata?]
//
// Truncated slots default to type=MESSAGE and absent metadata. When a later
// slot is set, intervening slots are encoded explicitly (type as its value,
// absent metadata as nil) so the array stays positional.
package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cstranex/swill/message"
)

const (
	minRequestSlots  = 3
	maxRequestSlots  = 5
	minResponseSlots = 2
	maxResponseSlots = 5
)

// Codec translates between envelope structs and transport frames. It is a
// field of Server and Client so tests can substitute their own framing.
type Codec interface {
	EncodeRequest(req *message.Request) ([]byte, error)
	DecodeRequest(frame []byte) (*message.Request, error)
	EncodeResponse(resp *message.Response) ([]byte, error)
	DecodeResponse(frame []byte) (*message.Response, error)
}

// DecodeError reports a malformed frame. Seq is only meaningful when
// Attributed is true: the frame was readable far enough to name the sequence
// it belongs to, so the error can be answered on that sequence instead of
// tearing down the connection.
type DecodeError struct {
	Seq        uint64
	Attributed bool
	Reason     string
}

func (e *DecodeError) Error() string {
	if e.Attributed {
		return fmt.Sprintf("swill: malformed frame for seq %d: %s", e.Seq, e.Reason)
	}
	return fmt.Sprintf("swill: malformed frame: %s", e.Reason)
}

// Msgpack is the standard envelope codec.
type Msgpack struct{}

func (Msgpack) EncodeRequest(req *message.Request) ([]byte, error) {
	slots := minRequestSlots
	switch {
	case len(req.Metadata) > 0:
		slots = 5
	case req.Type != message.RequestMessage:
		slots = 4
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(slots); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(req.Seq); err != nil {
		return nil, err
	}
	if err := encodeRaw(enc, req.Data); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(req.Method); err != nil {
		return nil, err
	}
	if slots >= 4 {
		if err := enc.EncodeUint(uint64(req.Type)); err != nil {
			return nil, err
		}
	}
	if slots >= 5 {
		if err := enc.Encode(req.Metadata); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (Msgpack) DecodeRequest(frame []byte) (*message.Request, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(frame))
	slots, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, &DecodeError{Reason: "expected envelope array"}
	}
	if slots < minRequestSlots || slots > maxRequestSlots {
		return nil, &DecodeError{Reason: fmt.Sprintf("request envelope has %d slots", slots)}
	}

	req := &message.Request{}
	if req.Seq, err = dec.DecodeUint64(); err != nil {
		return nil, &DecodeError{Reason: "invalid sequence"}
	}
	if err = dec.Decode(&req.Data); err != nil {
		return nil, &DecodeError{Seq: req.Seq, Attributed: true, Reason: "invalid data slot"}
	}
	if req.Method, err = dec.DecodeString(); err != nil {
		return nil, &DecodeError{Seq: req.Seq, Attributed: true, Reason: "invalid method"}
	}
	if slots >= 4 {
		t, err := dec.DecodeUint64()
		if err != nil || t > uint64(message.RequestCancel) {
			return nil, &DecodeError{Seq: req.Seq, Attributed: true, Reason: "invalid request type"}
		}
		req.Type = message.RequestType(t)
	}
	if slots >= 5 {
		if err = dec.Decode(&req.Metadata); err != nil {
			return nil, &DecodeError{Seq: req.Seq, Attributed: true, Reason: "invalid metadata"}
		}
	}
	return req, nil
}

func (Msgpack) EncodeResponse(resp *message.Response) ([]byte, error) {
	slots := minResponseSlots
	switch {
	case len(resp.TrailingMetadata) > 0:
		slots = 5
	case len(resp.LeadingMetadata) > 0:
		slots = 4
	case resp.Type != message.ResponseMessage:
		slots = 3
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(slots); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(resp.Seq); err != nil {
		return nil, err
	}
	if err := encodeRaw(enc, resp.Data); err != nil {
		return nil, err
	}
	if slots >= 3 {
		if err := enc.EncodeUint(uint64(resp.Type)); err != nil {
			return nil, err
		}
	}
	if slots >= 4 {
		if err := enc.Encode(resp.LeadingMetadata); err != nil {
			return nil, err
		}
	}
	if slots >= 5 {
		if err := enc.Encode(resp.TrailingMetadata); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (Msgpack) DecodeResponse(frame []byte) (*message.Response, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(frame))
	slots, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, &DecodeError{Reason: "expected envelope array"}
	}
	if slots < minResponseSlots || slots > maxResponseSlots {
		return nil, &DecodeError{Reason: fmt.Sprintf("response envelope has %d slots", slots)}
	}

	resp := &message.Response{}
	if resp.Seq, err = dec.DecodeUint64(); err != nil {
		return nil, &DecodeError{Reason: "invalid sequence"}
	}
	if err = dec.Decode(&resp.Data); err != nil {
		return nil, &DecodeError{Seq: resp.Seq, Attributed: true, Reason: "invalid data slot"}
	}
	if slots >= 3 {
		t, err := dec.DecodeUint64()
		if err != nil || t > uint64(message.ResponseError) {
			return nil, &DecodeError{Seq: resp.Seq, Attributed: true, Reason: "invalid response type"}
		}
		resp.Type = message.ResponseType(t)
	}
	if slots >= 4 {
		if err = dec.Decode(&resp.LeadingMetadata); err != nil {
			return nil, &DecodeError{Seq: resp.Seq, Attributed: true, Reason: "invalid leading metadata"}
		}
	}
	if slots >= 5 {
		if err = dec.Decode(&resp.TrailingMetadata); err != nil {
			return nil, &DecodeError{Seq: resp.Seq, Attributed: true, Reason: "invalid trailing metadata"}
		}
	}
	return resp, nil
}

// encodeRaw writes an already-encoded payload, or nil for control frames that
// carry no data.
func encodeRaw(enc *msgpack.Encoder, raw msgpack.RawMessage) error {
	if len(raw) == 0 {
		return enc.EncodeNil()
	}
	return enc.Encode(raw)
}
