// Package wire implements the bidirectional-stream request/response framing
// used between Viska nodes: exactly one JSON-encoded request is read to end
// of stream, and exactly one JSON-encoded response is written and the
// stream finished. encoding/json over tagged Go structs stands in for the
// schema-driven binary codec the original protocol used — Request's
// Variant field below is the variant discriminator.
package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// MaxPacketSizeBytes bounds the size of a single request or response frame.
// Streams exceeding this are rejected with CodePayloadTooLarge and the
// connection is closed.
const MaxPacketSizeBytes = 1024 * 1024

// QUIC application error codes, mirrored from the HTTP status codes the
// original protocol reused for symmetry with the synchronous handler table.
const (
	CodeOK              = 200
	CodeBadRequest      = 400
	CodeUnauthorized    = 401
	CodeForbidden       = 403
	CodePayloadTooLarge = 413
	CodeInternal        = 500
)

// Variant discriminates the tagged union carried in a Request.
type Variant string

const (
	VariantPing    Variant = "Ping"
	VariantMessage Variant = "Message"
)

// AttachmentPayload is the inline attachment carried by a Message request.
type AttachmentPayload struct {
	Mime    string `json:"mime"`
	Content []byte `json:"content"`
}

// MessagePayload is the body of a Message-variant Request.
type MessagePayload struct {
	Sender     []byte             `json:"sender"`
	Recipients [][]byte           `json:"recipients"`
	Time       float64            `json:"time"`
	Content    string             `json:"content"`
	Attachment *AttachmentPayload `json:"attachment,omitempty"`
}

// Request is the single message type carried by a bidirectional stream.
// Variant selects which of the optional fields is populated; the handler
// layer answers an empty Variant with 400 and an unrecognized one with 403.
type Request struct {
	Variant Variant         `json:"variant"`
	Message *MessagePayload `json:"message,omitempty"`
}

// Response is the tagged record returned for every Request.
type Response struct {
	Status uint32 `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Stream is the subset of a QUIC bidirectional stream that wire needs. It is
// satisfied by *quic.Stream; tests use an in-memory fake.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
	CancelWrite(code uint64)
}

// Connection is the subset of a QUIC connection wire needs to abort on an
// oversize frame.
type Connection interface {
	CloseWithError(code uint64, reason string) error
}

// ErrOversize is returned by ReadRequest or SendRequest when the incoming
// frame exceeds MaxPacketSizeBytes. ReadRequest has already reset the stream
// and closed the connection by the time it returns this; SendRequest has no
// connection to close, so its caller (connmgr.Request) closes it.
var ErrOversize = fmt.Errorf("wire: request exceeds %d bytes", MaxPacketSizeBytes)

// ReadRequest reads one JSON request to end of stream. On an oversize frame
// it cancels the send side with CodePayloadTooLarge and closes conn with
// 413, then returns ErrOversize: the connection is not usable afterward. On
// a malformed frame it returns the decode error without touching the
// stream or connection: the caller is expected to synthesize and send a 400
// Response instead.
func ReadRequest(stream Stream, conn Connection) (Request, error) {
	limited := io.LimitReader(stream, MaxPacketSizeBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return Request{}, fmt.Errorf("wire: read request: %w", err)
	}

	if len(raw) > MaxPacketSizeBytes {
		stream.CancelWrite(CodePayloadTooLarge)
		if cerr := conn.CloseWithError(CodePayloadTooLarge, "request too large"); cerr != nil {
			slog.Debug("wire: close after oversize request", "err", cerr)
		}
		return Request{}, ErrOversize
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("wire: decode request: %w", err)
	}
	slog.Debug("wire received request", "variant", req.Variant)
	return req, nil
}

// WriteResponse encodes and writes resp, then finishes the stream. A write
// failure is logged by the caller, not treated as fatal to the connection:
// the peer may simply have gone away.
func WriteResponse(stream Stream, resp Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("wire: encode response: %w", err)
	}
	slog.Debug("wire sending response", "status", resp.Status)
	if _, err := stream.Write(raw); err != nil {
		return fmt.Errorf("wire: write response: %w", err)
	}
	return stream.Close()
}

// BadRequestResponse builds the 400 response sent when ReadRequest's decode
// fails.
func BadRequestResponse(err error) Response {
	return Response{Status: CodeBadRequest, Reason: err.Error()}
}

// Dial-side helper: SendRequest writes req to stream, finishes the send
// side, then reads the single Response. ctx is accepted for symmetry with
// the rest of the codebase's blocking operations even though the Stream
// interface itself is not context-aware.
func SendRequest(_ context.Context, stream Stream, req Request) (Response, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("wire: encode request: %w", err)
	}
	if _, err := stream.Write(raw); err != nil {
		return Response{}, fmt.Errorf("wire: write request: %w", err)
	}
	if err := stream.Close(); err != nil {
		return Response{}, fmt.Errorf("wire: finish request stream: %w", err)
	}

	limited := io.LimitReader(stream, MaxPacketSizeBytes+1)
	raw, err = io.ReadAll(limited)
	if err != nil {
		return Response{}, fmt.Errorf("wire: read response: %w", err)
	}
	if len(raw) > MaxPacketSizeBytes {
		return Response{}, ErrOversize
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("wire: decode response: %w", err)
	}
	return resp, nil
}
