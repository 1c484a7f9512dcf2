// Package handler maps an inbound wire.Request, together with the
// TLS-authenticated identity of its sender, to a database mutation (via the
// changelog merger) and a wire.Response. Handler selection between a peer
// and another device of the same account is a two-variant dispatch made
// once per request, not an inheritance hierarchy.
package handler

import (
	"log/slog"

	"github.com/seamlik/viska/internal/changelog"
	"github.com/seamlik/viska/internal/pki"
	"github.com/seamlik/viska/internal/wire"
)

// Handler answers one request already known to come from a particular kind
// of sender (peer or device).
type Handler interface {
	Handle(req wire.Request) wire.Response
}

// Dispatcher picks PeerHandler or DeviceHandler based on whether the
// TLS-authenticated sender's account ID matches selfAccountID.
type Dispatcher struct {
	selfAccountID pki.AccountID
	peer          Handler
	device        Handler
}

// NewDispatcher builds a Dispatcher for a node whose own account is
// selfAccountID.
func NewDispatcher(selfAccountID pki.AccountID, peer, device Handler) *Dispatcher {
	return &Dispatcher{selfAccountID: selfAccountID, peer: peer, device: device}
}

// Dispatch selects and invokes the handler for req, given the authenticated
// AccountId of the stream's remote end.
func (d *Dispatcher) Dispatch(remoteAccountID pki.AccountID, req wire.Request) wire.Response {
	if remoteAccountID == d.selfAccountID {
		return d.device.Handle(req)
	}
	return d.peer.Handle(req)
}

// PeerHandler answers requests from any account other than this node's own.
type PeerHandler struct {
	merger *changelog.Merger
}

// NewPeerHandler builds a PeerHandler writing mutations through merger.
func NewPeerHandler(merger *changelog.Merger) *PeerHandler {
	return &PeerHandler{merger: merger}
}

// Handle implements the request table for peer connections: Ping is
// answered directly; Message is merged into the store and broadcast as an
// event; anything else is a policy violation, not a bad request.
func (h *PeerHandler) Handle(req wire.Request) wire.Response {
	switch req.Variant {
	case wire.VariantPing:
		return wire.Response{Status: wire.CodeOK}
	case wire.VariantMessage:
		return h.handleMessage(req)
	default:
		return unknownVariantResponse(req.Variant)
	}
}

func (h *PeerHandler) handleMessage(req wire.Request) wire.Response {
	if req.Message == nil {
		return wire.Response{Status: wire.CodeBadRequest, Reason: "missing message payload"}
	}
	m := req.Message

	payload := changelog.Message{
		Sender:     m.Sender,
		Recipients: m.Recipients,
		Content:    m.Content,
		Time:       m.Time,
	}
	if m.Attachment != nil {
		payload.Attachment = &changelog.Attachment{Content: m.Attachment.Content, Mime: m.Attachment.Mime}
	}

	if err := h.merger.Commit([]changelog.Payload{{AddMessage: &payload}}); err != nil {
		slog.Error("handler: failed to commit inbound message", "err", err)
		return wire.Response{Status: wire.CodeInternal, Reason: err.Error()}
	}
	return wire.Response{Status: wire.CodeOK}
}

// DeviceHandler answers requests from another device of this node's own
// account. Per the request table, a Message from a device is always
// rejected: a node's own devices are expected to synchronize by other
// means, not by replaying the peer message protocol to themselves.
type DeviceHandler struct{}

// NewDeviceHandler builds a DeviceHandler.
func NewDeviceHandler() *DeviceHandler {
	return &DeviceHandler{}
}

// Handle implements the request table for same-account device connections.
func (h *DeviceHandler) Handle(req wire.Request) wire.Response {
	switch req.Variant {
	case wire.VariantPing:
		return wire.Response{Status: wire.CodeOK}
	case wire.VariantMessage:
		return wire.Response{Status: wire.CodeForbidden}
	default:
		return unknownVariantResponse(req.Variant)
	}
}

// unknownVariantResponse distinguishes a genuinely empty request (bad
// input, 400) from a non-empty but unrecognized variant (policy violation,
// 403), per the error taxonomy's split between malformed requests and
// requests rejected by policy.
func unknownVariantResponse(variant wire.Variant) wire.Response {
	if variant == "" {
		return wire.Response{Status: wire.CodeBadRequest, Reason: "no payload"}
	}
	return wire.Response{Status: wire.CodeForbidden, Reason: "unrecognized request variant"}
}
