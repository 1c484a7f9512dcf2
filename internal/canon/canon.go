// Package canon computes the content-derived canonical IDs of chatrooms,
// messages and vcards. Every framing rule here must be reproduced bit for
// bit: canonical IDs are how the data model achieves idempotent upserts (the
// same logical entity always hashes to the same primary key) and how two
// nodes agree on a chatroom's identity without ever exchanging one.
//
// The shared framing convention: a short ASCII domain tag, then for each
// variable-length field its big-endian uint64 length followed by its bytes,
// then fixed-width fields as big-endian, then optional trailing fields
// prefixed by a length marker. Floating-point times are hashed as the
// big-endian bytes of their float64 bit pattern.
package canon

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"

	"github.com/seamlik/viska/internal/pki"
)

const (
	chatroomDomainTag = "Viska chatroom ID"
	messageDomainTag  = "Viska message"
)

// AttachmentRef is the minimal information about an attachment needed to
// fold it into a message's canonical ID: its own canonical object ID.
type AttachmentRef struct {
	CanonicalID [32]byte
}

func putUint64BE(buf *bytes.Buffer, n uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], n)
	buf.Write(tmp[:])
}

func putFloat64BE(buf *bytes.Buffer, f float64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(f))
	buf.Write(tmp[:])
}

func putLengthPrefixed(buf *bytes.Buffer, data []byte) {
	putUint64BE(buf, uint64(len(data)))
	buf.Write(data)
}

// sortedUnique returns a sorted, duplicate-free copy of ids.
func sortedUnique(ids [][]byte) [][]byte {
	seen := make(map[string]struct{}, len(ids))
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		key := string(id)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}

// ChatroomID computes BLAKE3("Viska chatroom ID" ‖ total_member_bytes_be ‖
// sort(member_account_ids)). It is invariant under permutation of members and
// under duplicate entries, and changes whenever the member set changes.
func ChatroomID(memberAccountIDs [][]byte) [32]byte {
	members := sortedUnique(memberAccountIDs)

	var total uint64
	for _, m := range members {
		total += uint64(len(m))
	}

	var buf bytes.Buffer
	buf.WriteString(chatroomDomainTag)
	putUint64BE(&buf, total)
	for _, m := range members {
		buf.Write(m)
	}
	return pki.Hash(buf.Bytes())
}

// MessageID computes:
//
//	BLAKE3("Viska message" ‖ len(sender) ‖ sender ‖ sum(len(recipient_i)) ‖
//	       concat(sorted(recipients)) ‖ time_be_bytes ‖ len(content) ‖
//	       content ‖ (blake3_out_len ‖ attachment.canonical_id())?)
func MessageID(sender []byte, recipients [][]byte, timeSeconds float64, content string, attachment *AttachmentRef) [32]byte {
	sortedRecipients := sortedUnique(recipients)

	var recipientTotal uint64
	for _, r := range sortedRecipients {
		recipientTotal += uint64(len(r))
	}

	var buf bytes.Buffer
	buf.WriteString(messageDomainTag)
	putLengthPrefixed(&buf, sender)
	putUint64BE(&buf, recipientTotal)
	for _, r := range sortedRecipients {
		buf.Write(r)
	}
	putFloat64BE(&buf, timeSeconds)
	putLengthPrefixed(&buf, []byte(content))
	if attachment != nil {
		putUint64BE(&buf, uint64(len(attachment.CanonicalID)))
		buf.Write(attachment.CanonicalID[:])
	}
	return pki.Hash(buf.Bytes())
}

// MessageChatroomID derives the chatroom a message belongs to: the chatroom
// identified by {sender} ∪ recipients.
func MessageChatroomID(sender []byte, recipients [][]byte) [32]byte {
	members := make([][]byte, 0, len(recipients)+1)
	members = append(members, sender)
	members = append(members, recipients...)
	return ChatroomID(members)
}

// VcardID is a pure function of (account_id, name, photo?): it changes
// whenever the displayed vcard content changes, which is what lets the
// changelog merger upsert by primary key and detect no-op resubmissions.
func VcardID(accountID []byte, name string, photo *AttachmentRef) [32]byte {
	var buf bytes.Buffer
	buf.WriteString("Viska vCard")
	putLengthPrefixed(&buf, accountID)
	putLengthPrefixed(&buf, []byte(name))
	if photo != nil {
		putUint64BE(&buf, uint64(len(photo.CanonicalID)))
		buf.Write(photo.CanonicalID[:])
	}
	return pki.Hash(buf.Bytes())
}
