package raft

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/virgiel/maelstrom-go/internal/node"
)

// newSingleNode builds a real *node.Node for a one-member cluster, so
// becomeCandidate's RPC fan-out over OtherIDs() has nothing to send to.
func newSingleNode(t *testing.T, id string) *node.Node {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	_, stdoutW := io.Pipe()

	line, err := json.Marshal(map[string]any{
		"src":  "c1",
		"dest": id,
		"body": map[string]any{"type": "init", "msg_id": 1, "node_id": id, "node_ids": []string{id}},
	})
	require.NoError(t, err)
	go func() { _, _ = stdinW.Write(append(line, '\n')) }()

	return node.NewWithStreams(zerolog.Nop(), stdinR, stdoutW)
}

func newTestRaft() *Raft {
	r := &Raft{
		role:    Follower,
		raftLog: NewLog(),
		machine: NewStateMachine(),
		log:     zerolog.Nop(),
	}
	return r
}

func TestMedian_OddCount(t *testing.T) {
	// Three replicas: majority is 2, so the 2nd-highest value.
	require.Equal(t, uint64(2), median([]uint64{1, 3, 2}))
}

func TestMedian_FiveReplicas(t *testing.T) {
	// Five replicas (4 followers' match_index + own log size): majority
	// is the 3rd-highest value.
	require.Equal(t, uint64(2), median([]uint64{0, 1, 2, 5, 9}))
}

func TestMajority(t *testing.T) {
	require.Equal(t, 1, majority(1))
	require.Equal(t, 2, majority(3))
	require.Equal(t, 3, majority(5))
	require.Equal(t, 3, majority(4))
}

func TestRaft_BecomeCandidate_IncrementsTermAndVotesSelf(t *testing.T) {
	r := newTestRaft()
	r.term = 4

	// becomeCandidate fans votes out over r.node, so build one bound to a
	// single-node cluster where OtherIDs() is empty and the RPC fan-out is
	// a no-op.
	n := newSingleNode(t, "n1")
	r.node = n

	r.becomeCandidate()

	require.Equal(t, Candidate, r.role)
	require.Equal(t, uint64(5), r.term)
	require.Equal(t, n.ID(), r.votedFor)
}

func TestRaft_MaybeStepDown_HigherTermForcesFollower(t *testing.T) {
	r := newTestRaft()
	r.role = Leader
	r.term = 2

	r.maybeStepDown(5)

	require.Equal(t, Follower, r.role)
	require.Equal(t, uint64(5), r.term)
	require.Equal(t, "", r.votedFor)
}

func TestRaft_MaybeStepDown_NoOpOnLowerOrEqualTerm(t *testing.T) {
	r := newTestRaft()
	r.role = Leader
	r.term = 5

	r.maybeStepDown(5)
	require.Equal(t, Leader, r.role)

	r.maybeStepDown(3)
	require.Equal(t, Leader, r.role)
	require.Equal(t, uint64(5), r.term)
}

func TestRaft_AdvanceCommitIndex_RequiresCurrentTermEntry(t *testing.T) {
	r := newTestRaft()
	// Applying a committed entry as leader replies through r.node.
	r.node = newSingleNode(t, "n1")
	r.role = Leader
	r.term = 2
	r.raftLog.Append([]Entry{{Term: 1, Client: node.Envelope{}}}) // index 1, stale term
	r.matchIndex = map[string]uint64{"n2": 1, "n3": 1}

	r.advanceCommitIndex()

	// A majority replicated index 1, but it was written in term 1, not the
	// leader's current term 2 — must not commit yet.
	require.Equal(t, uint64(0), r.commitIndex)

	r.raftLog.Append([]Entry{{Term: 2, Client: node.Envelope{}}}) // index 2, current term
	r.matchIndex = map[string]uint64{"n2": 2, "n3": 2}
	r.advanceCommitIndex()
	require.Equal(t, uint64(2), r.commitIndex)
}
