package state

import (
	"fmt"
	"math/big"

	"escrowchain/core/types"
)

var (
	programPrefix    = []byte("program/")
	programIndexKey  = []byte("program-index")
	mailboxPrefix    = []byte("mailbox/")
	mailboxCountPref = []byte("mailbox-count/")
)

// ProgramRecord is the committed, durable view of a deployed program.
type ProgramRecord struct {
	ID       types.ActorID
	Code     types.CodeID
	Creator  types.ActorID
	Snapshot []byte
}

// Clone returns a deep copy of the record.
func (r *ProgramRecord) Clone() *ProgramRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Snapshot = append([]byte(nil), r.Snapshot...)
	return &clone
}

func programKey(id types.ActorID) []byte {
	return append(append([]byte(nil), programPrefix...), id[:]...)
}

// ProgramPut stores the record and adds the program to the index the first
// time it is seen.
func (m *Manager) ProgramPut(rec *ProgramRecord) error {
	if rec == nil {
		return fmt.Errorf("state: nil program record")
	}
	if rec.ID.IsZero() {
		return fmt.Errorf("state: program id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exists, err := m.KVGet(programKey(rec.ID), nil)
	if err != nil {
		return err
	}
	if err := m.KVPut(programKey(rec.ID), rec); err != nil {
		return err
	}
	if exists {
		return nil
	}
	var index []types.ActorID
	if _, err := m.KVGet(programIndexKey, &index); err != nil {
		return err
	}
	index = append(index, rec.ID)
	return m.KVPut(programIndexKey, index)
}

// ProgramGet returns the committed record for id.
func (m *Manager) ProgramGet(id types.ActorID) (*ProgramRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := new(ProgramRecord)
	ok, err := m.KVGet(programKey(id), rec)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec, true, nil
}

// ProgramIndex lists every committed program in deployment order.
func (m *Manager) ProgramIndex() ([]types.ActorID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var index []types.ActorID
	if _, err := m.KVGet(programIndexKey, &index); err != nil {
		return nil, err
	}
	return index, nil
}

// MailboxEntry is a message delivered to a user account.
type MailboxEntry struct {
	Message types.MessageID
	Source  types.ActorID
	Payload []byte
	Value   *big.Int
}

func mailboxCountKey(user types.ActorID) []byte {
	return append(append([]byte(nil), mailboxCountPref...), user[:]...)
}

func mailboxEntryKey(user types.ActorID, seq uint64) []byte {
	key := append(append([]byte(nil), mailboxPrefix...), user[:]...)
	return append(key, []byte(fmt.Sprintf("/%020d", seq))...)
}

// MailboxAppend stores a delivered message for a user account.
func (m *Manager) MailboxAppend(user types.ActorID, entry *MailboxEntry) error {
	if entry == nil {
		return fmt.Errorf("state: nil mailbox entry")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var count uint64
	if _, err := m.KVGet(mailboxCountKey(user), &count); err != nil {
		return err
	}
	count++
	if err := m.KVPut(mailboxEntryKey(user, count), entry); err != nil {
		return err
	}
	return m.KVPut(mailboxCountKey(user), count)
}

// Mailbox returns every message delivered to the user, oldest first.
func (m *Manager) Mailbox(user types.ActorID) ([]*MailboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count uint64
	if _, err := m.KVGet(mailboxCountKey(user), &count); err != nil {
		return nil, err
	}
	out := make([]*MailboxEntry, 0, count)
	for seq := uint64(1); seq <= count; seq++ {
		entry := new(MailboxEntry)
		ok, err := m.KVGet(mailboxEntryKey(user, seq), entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
