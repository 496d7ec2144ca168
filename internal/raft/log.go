package raft

import "github.com/virgiel/maelstrom-go/internal/node"

// Entry is one Raft log entry: the term it was accepted in, and the
// client envelope whose outcome it carries. It round-trips over
// append_entries exactly as received/sent.
type Entry struct {
	Term   uint64        `json:"term"`
	Client node.Envelope `json:"client"`
}

// Log is a 1-based sequence of entries with a term-0 sentinel at index 0,
// so that prev_log_index=0 is always well-defined at the first real
// append.
type Log struct {
	entries []Entry
}

// NewLog returns a log containing only the sentinel entry.
func NewLog() *Log {
	return &Log{entries: []Entry{{}}}
}

// Size is the number of entries including the sentinel, i.e. one past the
// index of the last entry (the index the next append will occupy).
func (l *Log) Size() uint64 { return uint64(len(l.entries)) }

// Last returns the most recently appended entry (possibly the sentinel).
func (l *Log) Last() Entry { return l.entries[len(l.entries)-1] }

// LastIndex is the 1-based index of Last(), i.e. Size()-1.
func (l *Log) LastIndex() uint64 { return l.Size() - 1 }

// Get returns the entry at idx, or false if idx is out of range.
func (l *Log) Get(idx uint64) (Entry, bool) {
	if idx >= uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[idx], true
}

// From returns a copy of every entry at or after idx (idx inclusive).
func (l *Log) From(idx uint64) []Entry {
	if idx >= uint64(len(l.entries)) {
		return nil
	}
	out := make([]Entry, len(l.entries)-int(idx))
	copy(out, l.entries[idx:])
	return out
}

// Append adds entries to the end of the log.
func (l *Log) Append(entries []Entry) {
	l.entries = append(l.entries, entries...)
}

// TruncateAfter keeps entries [0, idx] and discards everything after,
// ahead of an append_entries call overwriting a follower's suffix.
func (l *Log) TruncateAfter(idx uint64) {
	if idx+1 < uint64(len(l.entries)) {
		l.entries = l.entries[:idx+1]
	}
}
