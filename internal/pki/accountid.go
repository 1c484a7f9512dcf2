package pki

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"

	"lukechampine.com/blake3"
)

// errInvalidAccountIDLength is returned by ParseAccountID when the decoded
// hex string is not exactly 32 bytes.
var errInvalidAccountIDLength = errors.New("pki: account ID must be 32 bytes")

// certificateDomainTag is prepended to the framed certificate before hashing
// so that AccountId never collides with a canonical ID computed over the
// same bytes for some other purpose.
const certificateDomainTag = "Viska application/pkcs12"

// AccountID is the 32-byte BLAKE3 identity of an account, derived from its
// certificate's DER encoding.
type AccountID [32]byte

// Hash computes the 32-byte BLAKE3 digest of src. Exported because BLAKE3 is
// not built into most platforms' standard libraries, and callers across the
// FFI boundary need a bare hash primitive.
func Hash(src []byte) [32]byte {
	return blake3.Sum256(src)
}

// DeriveAccountID computes the AccountId of a DER-encoded certificate:
// BLAKE3("Viska application/pkcs12" ‖ len(cert) ‖ cert).
func DeriveAccountID(certDER []byte) AccountID {
	framed := make([]byte, 0, len(certificateDomainTag)+8+len(certDER))
	framed = append(framed, certificateDomainTag...)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(certDER)))
	framed = append(framed, lenBuf[:]...)
	framed = append(framed, certDER...)
	return Hash(framed)
}

// String renders the AccountId as uppercase hex, the canonical display form
// and the form used in the profile directory layout.
func (id AccountID) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// Bytes returns a copy of the underlying 32 bytes.
func (id AccountID) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, id[:])
	return out
}

// ParseAccountID decodes an uppercase- or lowercase-hex AccountId.
func ParseAccountID(s string) (AccountID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return AccountID{}, err
	}
	var id AccountID
	if len(raw) != len(id) {
		return AccountID{}, errInvalidAccountIDLength
	}
	copy(id[:], raw)
	return id, nil
}
