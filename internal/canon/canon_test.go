package canon

import (
	"testing"
)

func account(b byte) []byte {
	id := make([]byte, 32)
	for i := range id {
		id[i] = b
	}
	return id
}

func TestChatroomIDInvariantUnderPermutation(t *testing.T) {
	a, b, c := account(1), account(2), account(3)

	id1 := ChatroomID([][]byte{a, b, c})
	id2 := ChatroomID([][]byte{c, b, a})
	id3 := ChatroomID([][]byte{b, c, a})

	if id1 != id2 || id1 != id3 {
		t.Fatal("expected chatroom ID to be invariant under member permutation")
	}
}

func TestChatroomIDInvariantUnderDuplicates(t *testing.T) {
	a, b := account(1), account(2)

	id1 := ChatroomID([][]byte{a, b})
	id2 := ChatroomID([][]byte{a, b, a, b, a})

	if id1 != id2 {
		t.Fatal("expected chatroom ID to ignore duplicate members")
	}
}

func TestChatroomIDChangesWithMemberSet(t *testing.T) {
	a, b, c := account(1), account(2), account(3)

	id1 := ChatroomID([][]byte{a, b})
	id2 := ChatroomID([][]byte{a, b, c})

	if id1 == id2 {
		t.Fatal("expected distinct member sets to yield distinct chatroom IDs")
	}
}

func TestMessageIDDeterministic(t *testing.T) {
	sender := account(1)
	recipients := [][]byte{account(2), account(3)}

	id1 := MessageID(sender, recipients, 1700000000.5, "hi", nil)
	id2 := MessageID(sender, recipients, 1700000000.5, "hi", nil)
	if id1 != id2 {
		t.Fatal("expected message ID to be deterministic")
	}
}

func TestMessageIDChangesWithAttachment(t *testing.T) {
	sender := account(1)
	recipients := [][]byte{account(2)}

	var attachmentID [32]byte
	copy(attachmentID[:], account(9))

	withoutAttachment := MessageID(sender, recipients, 1, "hi", nil)
	withAttachment := MessageID(sender, recipients, 1, "hi", &AttachmentRef{CanonicalID: attachmentID})
	if withoutAttachment == withAttachment {
		t.Fatal("expected attachment to change the message ID")
	}
}

func TestMessageChatroomIDMatchesChatroomID(t *testing.T) {
	sender := account(1)
	recipients := [][]byte{account(2), account(3)}

	got := MessageChatroomID(sender, recipients)
	want := ChatroomID([][]byte{sender, account(2), account(3)})
	if got != want {
		t.Fatal("expected MessageChatroomID to match ChatroomID({sender} ∪ recipients)")
	}
}

func TestVcardIDPureFunctionOfFields(t *testing.T) {
	acc := account(1)

	id1 := VcardID(acc, "Alice", nil)
	id2 := VcardID(acc, "Alice", nil)
	id3 := VcardID(acc, "Bob", nil)

	if id1 != id2 {
		t.Fatal("expected identical inputs to produce identical vcard IDs")
	}
	if id1 == id3 {
		t.Fatal("expected different names to produce different vcard IDs")
	}
}
