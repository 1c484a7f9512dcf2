// Package changelog applies a batch of data-model mutations to the store
// inside a single database transaction, emitting events only after that
// transaction commits. This is the only path by which rows are written:
// handlers never touch the store directly, they produce payloads and hand
// them to a Merger.
package changelog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/seamlik/viska/internal/canon"
	"github.com/seamlik/viska/internal/eventbus"
	"github.com/seamlik/viska/internal/pki"
	"github.com/seamlik/viska/internal/store"
)

// Peer is the AddPeer payload.
type Peer struct {
	AccountID pki.AccountID
	Name      string
	Role      string
}

// Chatroom is the AddChatroom payload.
type Chatroom struct {
	Members [][]byte
	Name    string
}

// Attachment is the optional binary payload attached to a message or vcard.
type Attachment struct {
	Content []byte
	Mime    string
}

// Message is the AddMessage payload.
type Message struct {
	Sender     []byte
	Recipients [][]byte
	Content    string
	Time       float64
	Attachment *Attachment
}

// Vcard is the AddVcard payload.
type Vcard struct {
	AccountID []byte
	Name      string
	Photo     *Attachment
}

// Payload is a tagged union of mutation kinds. Exactly one field is set.
type Payload struct {
	AddChatroom *Chatroom
	AddPeer     *Peer
	AddMessage  *Message
	AddVcard    *Vcard
}

// DenyListUpdater receives the refreshed deny list after an AddPeer commits.
// internal/tlsverify.Verifier implements this by re-deriving its deny set.
type DenyListUpdater interface {
	SetRules(allow, deny []pki.AccountID)
}

// Merger applies Payloads to a Store transactionally and publishes the
// resulting Events on an EventBus once the transaction has committed.
type Merger struct {
	store    *store.Store
	bus      *eventbus.Bus
	denyList DenyListUpdater
}

// New creates a Merger writing to st and publishing to bus. denyList may be
// nil if no TLS verifier needs deny-list updates (e.g. in tests).
func New(st *store.Store, bus *eventbus.Bus, denyList DenyListUpdater) *Merger {
	return &Merger{store: st, bus: bus, denyList: denyList}
}

// Commit applies every payload inside one transaction and, only if it
// commits successfully, publishes the accumulated events and (for AddPeer)
// refreshes the deny list.
func (m *Merger) Commit(payloads []Payload) error {
	m.store.Lock()
	defer m.store.Unlock()

	tx, err := m.store.DB().Begin()
	if err != nil {
		return fmt.Errorf("changelog: begin transaction: %w", err)
	}

	var events []eventbus.Event
	peerChanged := false

	for _, p := range payloads {
		slog.Debug("changelog applying payload", "payload", describe(p))
		switch {
		case p.AddChatroom != nil:
			ev, err := applyAddChatroom(tx, p.AddChatroom)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			events = append(events, ev...)
		case p.AddPeer != nil:
			ev, err := applyAddPeer(tx, p.AddPeer)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			events = append(events, ev...)
			peerChanged = true
		case p.AddMessage != nil:
			ev, err := applyAddMessage(tx, p.AddMessage)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			events = append(events, ev...)
		case p.AddVcard != nil:
			ev, err := applyAddVcard(tx, p.AddVcard)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			events = append(events, ev...)
		default:
			_ = tx.Rollback()
			return fmt.Errorf("changelog: empty payload")
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("changelog: commit transaction: %w", err)
	}

	for _, ev := range events {
		m.bus.Publish(ev)
	}
	if peerChanged && m.denyList != nil {
		m.refreshDenyList()
	}
	return nil
}

func (m *Merger) refreshDenyList() {
	blocked, err := m.store.Blacklist()
	if err != nil {
		slog.Warn("changelog: failed to refresh deny list", "err", err)
		return
	}
	deny := make([]pki.AccountID, 0, len(blocked))
	for _, hex := range blocked {
		id, err := pki.ParseAccountID(hex)
		if err != nil {
			slog.Warn("changelog: malformed blocked account id", "account_id", hex, "err", err)
			continue
		}
		deny = append(deny, id)
	}
	m.denyList.SetRules(nil, deny)
}

func describe(p Payload) string {
	switch {
	case p.AddChatroom != nil:
		return "AddChatroom"
	case p.AddPeer != nil:
		return "AddPeer"
	case p.AddMessage != nil:
		return "AddMessage"
	case p.AddVcard != nil:
		return "AddVcard"
	default:
		return "Empty"
	}
}

// applyAddPeer upserts into peer by primary key (full replace, per spec).
func applyAddPeer(tx *sql.Tx, p *Peer) ([]eventbus.Event, error) {
	accountID := p.AccountID.String()
	_, err := tx.Exec(
		`INSERT INTO peer (account_id, name, role) VALUES (?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET name = excluded.name, role = excluded.role`,
		accountID, p.Name, p.Role,
	)
	if err != nil {
		return nil, fmt.Errorf("changelog: upsert peer: %w", err)
	}
	return []eventbus.Event{eventbus.RosterEvent{}}, nil
}

// applyAddChatroom upserts a chatroom (recomputing its ID from members),
// replaces its membership rows, and bumps time_updated to now.
func applyAddChatroom(tx *sql.Tx, c *Chatroom) ([]eventbus.Event, error) {
	members := make([]pki.AccountID, 0, len(c.Members))
	for _, m := range c.Members {
		var id pki.AccountID
		copy(id[:], m)
		members = append(members, id)
	}

	idBytes := canon.ChatroomID(c.Members)
	chatroomID := hexUpper(idBytes[:])
	now := float64(time.Now().UnixNano()) / 1e9

	_, err := tx.Exec(
		`INSERT INTO chatroom (chatroom_id, name, time_updated) VALUES (?, ?, ?)
		 ON CONFLICT(chatroom_id) DO UPDATE SET name = excluded.name, time_updated = excluded.time_updated`,
		chatroomID, c.Name, now,
	)
	if err != nil {
		return nil, fmt.Errorf("changelog: upsert chatroom: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM chatroom_members WHERE chatroom_id = ?`, chatroomID); err != nil {
		return nil, fmt.Errorf("changelog: clear chatroom members: %w", err)
	}
	for _, member := range members {
		if _, err := tx.Exec(
			`INSERT INTO chatroom_members (id, chatroom_id, member_account_id) VALUES (?, ?, ?)`,
			uuid.NewString(), chatroomID, member.String(),
		); err != nil {
			return nil, fmt.Errorf("changelog: insert chatroom member: %w", err)
		}
	}

	return []eventbus.Event{eventbus.ChatroomEvent{ChatroomID: chatroomID}}, nil
}

// applyAddMessage ensures the owning chatroom exists (synthesizing one from
// {sender} ∪ recipients if absent, bumping time_updated forward-only if
// present), then upserts the message and replaces its recipient rows.
func applyAddMessage(tx *sql.Tx, msg *Message) ([]eventbus.Event, error) {
	var attachmentID *string
	if msg.Attachment != nil {
		id, err := putObjectTx(tx, msg.Attachment.Content, msg.Attachment.Mime)
		if err != nil {
			return nil, err
		}
		attachmentID = &id
	}

	members := make([][]byte, 0, len(msg.Recipients)+1)
	members = append(members, msg.Sender)
	members = append(members, msg.Recipients...)
	chatroomIDBytes := canon.ChatroomID(members)
	chatroomID := hexUpper(chatroomIDBytes[:])

	var events []eventbus.Event

	var existingTimeUpdated sql.NullFloat64
	err := tx.QueryRow(`SELECT time_updated FROM chatroom WHERE chatroom_id = ?`, chatroomID).Scan(&existingTimeUpdated)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(
			`INSERT INTO chatroom (chatroom_id, name, time_updated) VALUES (?, ?, ?)`,
			chatroomID, "New chatroom", msg.Time,
		); err != nil {
			return nil, fmt.Errorf("changelog: synthesize chatroom: %w", err)
		}
		for _, member := range sortedUniqueBytes(members) {
			if _, err := tx.Exec(
				`INSERT INTO chatroom_members (id, chatroom_id, member_account_id) VALUES (?, ?, ?)`,
				uuid.NewString(), chatroomID, hexUpper(member),
			); err != nil {
				return nil, fmt.Errorf("changelog: insert synthesized chatroom member: %w", err)
			}
		}
		events = append(events, eventbus.ChatroomEvent{ChatroomID: chatroomID})
	case err != nil:
		return nil, fmt.Errorf("changelog: lookup chatroom for message: %w", err)
	default:
		if msg.Time > existingTimeUpdated.Float64 {
			if _, err := tx.Exec(`UPDATE chatroom SET time_updated = ? WHERE chatroom_id = ?`, msg.Time, chatroomID); err != nil {
				return nil, fmt.Errorf("changelog: bump chatroom time_updated: %w", err)
			}
			events = append(events, eventbus.ChatroomEvent{ChatroomID: chatroomID})
		}
	}

	messageIDBytes := canon.MessageID(msg.Sender, msg.Recipients, msg.Time, msg.Content, attachmentRef(attachmentID, msg.Attachment))
	messageID := hexUpper(messageIDBytes[:])

	_, err = tx.Exec(
		`INSERT INTO message (message_id, chatroom_id, sender, content, time, attachment) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET content = excluded.content, time = excluded.time, attachment = excluded.attachment`,
		messageID, chatroomID, hexUpper(msg.Sender), msg.Content, msg.Time, attachmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("changelog: upsert message: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM message_recipients WHERE message_id = ?`, messageID); err != nil {
		return nil, fmt.Errorf("changelog: clear message recipients: %w", err)
	}
	for _, r := range sortedUniqueBytes(msg.Recipients) {
		if _, err := tx.Exec(
			`INSERT INTO message_recipients (id, message_id, recipient_account_id) VALUES (?, ?, ?)`,
			uuid.NewString(), messageID, hexUpper(r),
		); err != nil {
			return nil, fmt.Errorf("changelog: insert message recipient: %w", err)
		}
	}

	events = append(events, eventbus.MessageEvent{ChatroomID: chatroomID})
	return events, nil
}

// applyAddVcard stores the optional photo as an object, upserts the vcard,
// and emits Roster in addition to Vcard iff the account is in the roster.
func applyAddVcard(tx *sql.Tx, v *Vcard) ([]eventbus.Event, error) {
	var photoID *string
	if v.Photo != nil {
		id, err := putObjectTx(tx, v.Photo.Content, v.Photo.Mime)
		if err != nil {
			return nil, err
		}
		photoID = &id
	}

	accountIDHex := hexUpper(v.AccountID)
	vcardIDBytes := canon.VcardID(v.AccountID, v.Name, attachmentRef(photoID, v.Photo))
	vcardID := hexUpper(vcardIDBytes[:])

	_, err := tx.Exec(
		`INSERT INTO vcard (account_id, vcard_id, name, photo) VALUES (?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET vcard_id = excluded.vcard_id, name = excluded.name, photo = excluded.photo`,
		accountIDHex, vcardID, v.Name, photoID,
	)
	if err != nil {
		return nil, fmt.Errorf("changelog: upsert vcard: %w", err)
	}

	events := []eventbus.Event{eventbus.VcardEvent{AccountID: accountIDHex}}

	var friendCount int
	if err := tx.QueryRow(
		`SELECT COUNT(1) FROM peer WHERE account_id = ? AND role = ?`, accountIDHex, store.RoleFriend,
	).Scan(&friendCount); err != nil {
		return nil, fmt.Errorf("changelog: check roster membership: %w", err)
	}
	if friendCount > 0 {
		events = append(events, eventbus.RosterEvent{})
	}
	return events, nil
}

func putObjectTx(tx *sql.Tx, content []byte, mime string) (string, error) {
	id := uuid.NewString()
	if _, err := tx.Exec(`INSERT INTO object (object_id, content, mime) VALUES (?, ?, ?)`, id, content, mime); err != nil {
		return "", fmt.Errorf("changelog: insert object: %w", err)
	}
	return id, nil
}

// attachmentRef folds a persisted object ID plus its original attachment
// payload into the canon.AttachmentRef used for ID derivation. The
// canonical ID of an attachment is the hash of its content, not the
// randomly generated storage UUID.
func attachmentRef(objectID *string, a *Attachment) *canon.AttachmentRef {
	if objectID == nil || a == nil {
		return nil
	}
	digest := pki.Hash(a.Content)
	return &canon.AttachmentRef{CanonicalID: digest}
}

func hexUpper(b []byte) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0x0f]
	}
	return string(out)
}

func sortedUniqueBytes(in [][]byte) [][]byte {
	seen := make(map[string]struct{}, len(in))
	out := make([][]byte, 0, len(in))
	for _, b := range in {
		key := string(b)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i]) < string(out[j]) })
	return out
}
