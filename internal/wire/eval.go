package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Status reports whether the evaluator's state survived a call.
type Status string

const (
	StatusContinue Status = "continue"
	StatusBreak    Status = "break"
)

// ResultTag discriminates the three shapes an evaluation result can take.
type ResultTag string

const (
	TagOK         ResultTag = "ok"
	TagParseError ResultTag = "parse_error"
	TagExit       ResultTag = "exit"
)

// EvalRequest is the metadata half of an TypeEval frame (carried in Headers).
// The snippet source itself travels in the frame Payload.
type EvalRequest struct {
	TimeoutMs int64 `msgpack:"timeout_ms"` // 0 = unbounded
	MaxMemKiB int64 `msgpack:"max_mem_kib"` // 0 = unbounded
}

// marshalHeaders encodes a frame's header struct to msgpack and rejects
// anything that would overflow the frame format's 24-bit header-length
// field, so a runaway header never silently truncates on the wire.
func marshalHeaders(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling frame headers: %w", err)
	}
	if len(data) > maxHeaderSize {
		return nil, fmt.Errorf("wire: encoded headers (%d bytes) exceed frame limit of %d bytes", len(data), maxHeaderSize)
	}
	return data, nil
}

// unmarshalHeaders decodes a frame's header bytes into v. An empty byte
// slice decodes to a zero-value v rather than erroring, since several
// frame types (TypeReady, TypeStop, TypeInit) carry no headers at all.
func unmarshalHeaders(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling frame headers: %w", err)
	}
	return nil
}

// EncodeEval builds a TypeEval frame from a snippet and its limits. An
// empty snippet is a restart "flushing poke": it carries FlagPoke so the
// interpreter (and any tracing on either side) can tell it apart from a
// client evaluating an intentionally empty program.
func EncodeEval(code string, req EvalRequest) (*Frame, error) {
	headers, err := marshalHeaders(req)
	if err != nil {
		return nil, fmt.Errorf("encoding eval request: %w", err)
	}
	f := &Frame{Type: TypeEval, Headers: headers, Payload: []byte(code)}
	if code == "" {
		f.Flags |= FlagPoke
	}
	return f, nil
}

// DecodeEval extracts the snippet and limits from a TypeEval frame.
func DecodeEval(f *Frame) (string, EvalRequest, error) {
	if f.Type != TypeEval {
		return "", EvalRequest{}, fmt.Errorf("expected EVAL frame, got type 0x%02x", f.Type)
	}
	var req EvalRequest
	if err := unmarshalHeaders(f.Headers, &req); err != nil {
		return "", EvalRequest{}, fmt.Errorf("decoding eval request: %w", err)
	}
	return string(f.Payload), req, nil
}

// EvalResultHeader is the metadata half of a TypeResult frame. Captured
// standard output is carried in the frame Payload as an opaque byte sequence.
type EvalResultHeader struct {
	Tag         ResultTag   `msgpack:"tag"`
	ReturnValue interface{} `msgpack:"return_value,omitempty"`
	LastError   string      `msgpack:"last_error,omitempty"`
	Status      Status      `msgpack:"status,omitempty"`
	ExitCode    int         `msgpack:"exit_code,omitempty"`
	Timeout     bool        `msgpack:"timeout,omitempty"`
}

// EncodeResult builds a TypeResult frame.
func EncodeResult(hdr EvalResultHeader, output []byte) (*Frame, error) {
	headers, err := marshalHeaders(hdr)
	if err != nil {
		return nil, fmt.Errorf("encoding eval result: %w", err)
	}
	return &Frame{Type: TypeResult, Headers: headers, Payload: output}, nil
}

// DecodeResult extracts the result header and captured output from a
// TypeResult frame.
func DecodeResult(f *Frame) (EvalResultHeader, []byte, error) {
	if f.Type != TypeResult {
		return EvalResultHeader{}, nil, fmt.Errorf("expected RESULT frame, got type 0x%02x", f.Type)
	}
	var hdr EvalResultHeader
	if err := unmarshalHeaders(f.Headers, &hdr); err != nil {
		return EvalResultHeader{}, nil, fmt.Errorf("decoding eval result: %w", err)
	}
	return hdr, f.Payload, nil
}

// NewInitFrame builds a TypeInit frame carrying one require snippet's source.
func NewInitFrame(snippet string) *Frame {
	return &Frame{Type: TypeInit, Payload: []byte(snippet)}
}
