package store

import "testing"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)

	var version int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		t.Fatalf("query schema version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}
}

func TestFindChatroomByIDNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.FindChatroomByID("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRosterPrefersPeerNameOverVcardName(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.db.Exec(`INSERT INTO peer (account_id, name, role) VALUES ('A', 'Alice Override', ?)`, RoleFriend); err != nil {
		t.Fatalf("insert peer: %v", err)
	}
	if _, err := s.db.Exec(`INSERT INTO vcard (account_id, vcard_id, name) VALUES ('A', 'vcard-a', 'Alice')`); err != nil {
		t.Fatalf("insert vcard: %v", err)
	}

	roster, err := s.Roster()
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	if len(roster) != 1 || roster[0].DisplayName != "Alice Override" {
		t.Fatalf("expected roster to prefer peer.name, got %+v", roster)
	}
}

func TestRosterFallsBackToVcardNameWhenPeerNameEmpty(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.db.Exec(`INSERT INTO peer (account_id, name, role) VALUES ('B', '', ?)`, RoleFriend); err != nil {
		t.Fatalf("insert peer: %v", err)
	}
	if _, err := s.db.Exec(`INSERT INTO vcard (account_id, vcard_id, name) VALUES ('B', 'vcard-b', 'Bob')`); err != nil {
		t.Fatalf("insert vcard: %v", err)
	}

	roster, err := s.Roster()
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	if len(roster) != 1 || roster[0].DisplayName != "Bob" {
		t.Fatalf("expected roster to fall back to vcard.name, got %+v", roster)
	}
}

func TestIsInRosterRequiresFriendRole(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.db.Exec(`INSERT INTO peer (account_id, name, role) VALUES ('C', '', ?)`, RoleBlocked); err != nil {
		t.Fatalf("insert peer: %v", err)
	}

	inRoster, err := s.IsInRoster("C")
	if err != nil {
		t.Fatalf("IsInRoster: %v", err)
	}
	if inRoster {
		t.Fatal("expected blocked peer not to be in roster")
	}
}

func TestBlacklistReturnsBlockedAccounts(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.db.Exec(`INSERT INTO peer (account_id, name, role) VALUES ('D', '', ?)`, RoleBlocked); err != nil {
		t.Fatalf("insert peer: %v", err)
	}
	if _, err := s.db.Exec(`INSERT INTO peer (account_id, name, role) VALUES ('E', '', ?)`, RoleFriend); err != nil {
		t.Fatalf("insert peer: %v", err)
	}

	list, err := s.Blacklist()
	if err != nil {
		t.Fatalf("Blacklist: %v", err)
	}
	if len(list) != 1 || list[0] != "D" {
		t.Fatalf("expected blacklist [D], got %v", list)
	}
}

func TestFindMessagesByChatroomResolvesRecipients(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.db.Exec(`INSERT INTO chatroom (chatroom_id, name, time_updated) VALUES ('room1', '', 1)`); err != nil {
		t.Fatalf("insert chatroom: %v", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO message (message_id, chatroom_id, sender, content, time) VALUES ('m1', 'room1', 'A', 'hi', 1)`,
	); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO message_recipients (id, message_id, recipient_account_id) VALUES ('r1', 'm1', 'B')`,
	); err != nil {
		t.Fatalf("insert recipient: %v", err)
	}

	messages, err := s.FindMessagesByChatroom("room1")
	if err != nil {
		t.Fatalf("FindMessagesByChatroom: %v", err)
	}
	if len(messages) != 1 || len(messages[0].Recipients) != 1 || messages[0].Recipients[0] != "B" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
}
