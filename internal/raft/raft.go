// Package raft implements the leader-election, log-replication and
// commit-advancement core backing the Raft-replicated KV workload. It
// runs as a single coarse-locked state machine driven by three ticking
// goroutines and the node runtime's dispatch loop: one mutex guards all
// Raft state, acquisitions are short, and no RPC is ever issued while
// holding it.
package raft

import (
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/virgiel/maelstrom-go/internal/node"
)

const (
	electionTimeout         = 2000 * time.Millisecond
	heartbeatInterval       = 1000 * time.Millisecond
	minReplicationInterval  = 50 * time.Millisecond
	stepDownTimeout         = 2000 * time.Millisecond
)

// Role is a Raft node's current position in the election cycle.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Raft is one replica's replication state. The zero value is not usable;
// construct with New.
type Raft struct {
	node *node.Node
	log  zerolog.Logger

	mu          sync.Mutex
	term        uint64
	votedFor    string // "" means unset
	leader      string // "" means unknown
	role        Role
	raftLog     *Log
	commitIndex uint64
	lastApplied uint64
	machine     *StateMachine

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	electionDeadline time.Time
	stepDownDeadline time.Time
	lastReplication  time.Time
}

// New constructs a Raft replica bound to n, starting as a Follower.
func New(n *node.Node, log zerolog.Logger) *Raft {
	r := &Raft{
		node:    n,
		log:     log,
		role:    Follower,
		raftLog: NewLog(),
		machine: NewStateMachine(),
	}
	r.resetElectionDeadline()
	return r
}

// Run starts the three periodic ticks (election, step-down, replication),
// each on its own goroutine, and returns immediately; the ticks keep
// running for the life of the process alongside the node's event loop.
func (r *Raft) Run() {
	go r.tickLoop(minReplicationInterval*2, r.tickElection)
	go r.tickLoop(100*time.Millisecond, r.tickStepDown)
	go r.tickLoop(minReplicationInterval, r.tickReplication)
}

func (r *Raft) tickLoop(period time.Duration, fn func()) {
	for {
		time.Sleep(period)
		fn()
	}
}

// Handle dispatches one inbound envelope: client read/write/cas requests,
// or the Raft-internal request_vote/append_entries RPCs.
func (r *Raft) Handle(env node.Envelope) error {
	ty, err := env.Type()
	if err != nil {
		return err
	}
	switch ty {
	case "read", "write", "cas":
		r.handleClientRequest(env)
	case "request_vote":
		r.handleRequestVote(env)
	case "append_entries":
		r.handleAppendEntries(env)
	default:
		r.node.ReplyError(env, node.NewRPCError(node.NotSupported, "unknown message type "+ty))
	}
	return nil
}

func (r *Raft) resetElectionDeadline() {
	jitter := time.Duration(rand.Int63n(int64(electionTimeout))) // #nosec G404 -- timer jitter, not cryptographic
	r.electionDeadline = time.Now().Add(electionTimeout + jitter)
}

func (r *Raft) resetStepDownDeadline() {
	r.stepDownDeadline = time.Now().Add(stepDownTimeout)
}

// advanceTerm moves to a new, strictly larger term and clears the vote.
func (r *Raft) advanceTerm(term uint64) {
	if term < r.term {
		r.log.Fatal().Uint64("from", r.term).Uint64("to", term).Msg("term moved backward")
	}
	r.term = term
	r.votedFor = ""
}

// maybeStepDown steps down to Follower if remoteTerm is newer. Caller
// must hold r.mu.
func (r *Raft) maybeStepDown(remoteTerm uint64) {
	if r.term < remoteTerm {
		r.log.Info().Uint64("remote_term", remoteTerm).Uint64("term", r.term).Msg("stepping down: higher remote term")
		r.advanceTerm(remoteTerm)
		r.becomeFollower()
	}
}

func (r *Raft) becomeFollower() {
	r.role = Follower
	r.nextIndex = nil
	r.matchIndex = nil
	r.leader = ""
	r.resetElectionDeadline()
	r.log.Info().Uint64("term", r.term).Msg("became follower")
}

func (r *Raft) becomeCandidate() {
	r.role = Candidate
	r.advanceTerm(r.term + 1)
	r.votedFor = r.node.ID()
	r.leader = ""
	r.resetElectionDeadline()
	electionID := uuid.NewString()
	r.log.Info().Uint64("term", r.term).Str("election_id", electionID).Msg("became candidate")
	r.requestVotes(electionID)
}

func (r *Raft) becomeLeader() {
	if r.role != Candidate {
		r.log.Fatal().Msg("became leader from non-candidate state")
	}
	r.role = Leader
	r.leader = ""
	r.nextIndex = make(map[string]uint64)
	r.matchIndex = make(map[string]uint64)
	for _, id := range r.node.OtherIDs() {
		r.nextIndex[id] = r.raftLog.Size()
		r.matchIndex[id] = 0
	}
	r.resetStepDownDeadline()
	r.log.Info().Uint64("term", r.term).Msg("became leader")
}

// tickElection promotes a follower/candidate past its deadline to
// Candidate; a leader just refreshes its own deadline so it never
// triggers an election against itself.
func (r *Raft) tickElection() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Now().Before(r.electionDeadline) {
		return
	}
	if r.role != Leader {
		r.becomeCandidate()
	} else {
		r.resetElectionDeadline()
	}
}

func (r *Raft) tickStepDown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.role == Leader && time.Now().After(r.stepDownDeadline) {
		r.becomeFollower()
	}
}

func (r *Raft) tickReplication() {
	r.mu.Lock()
	if r.role != Leader || time.Since(r.lastReplication) < minReplicationInterval {
		r.mu.Unlock()
		return
	}
	type target struct {
		peer    string
		ni      uint64
		entries []Entry
		body    appendEntriesBody
	}
	var targets []target
	elapsed := time.Since(r.lastReplication)
	for _, peer := range r.node.OtherIDs() {
		ni := r.nextIndex[peer]
		entries := r.raftLog.From(ni)
		if len(entries) == 0 && elapsed < heartbeatInterval {
			continue
		}
		prev, _ := r.raftLog.Get(ni - 1)
		targets = append(targets, target{
			peer:    peer,
			ni:      ni,
			entries: entries,
			body: appendEntriesBody{
				Type:         "append_entries",
				Term:         r.term,
				LeaderID:     r.node.ID(),
				PrevLogIndex: ni - 1,
				PrevLogTerm:  prev.Term,
				Entries:      entries,
				LeaderCommit: r.commitIndex,
			},
		})
	}
	if len(targets) > 0 {
		r.lastReplication = time.Now()
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	var g errgroup.Group
	for _, t := range targets {
		t := t
		g.Go(func() error {
			env, err := r.node.RPC(t.peer, t.body)
			if err != nil {
				return nil // indefinite failure; next tick retries
			}
			var res appendEntriesResBody
			if err := env.DecodeBody(&res); err != nil {
				return nil
			}
			r.onAppendEntriesResult(t.peer, t.ni, uint64(len(t.entries)), res)
			return nil
		})
	}
	go func() { _ = g.Wait() }()
}

func (r *Raft) onAppendEntriesResult(peer string, ni, entryCount uint64, res appendEntriesResBody) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeStepDown(res.Term)
	if r.role != Leader || r.term != res.Term {
		return
	}
	r.resetStepDownDeadline()
	if res.Success {
		if matched := ni + entryCount - 1; matched+1 > r.nextIndex[peer] {
			r.nextIndex[peer] = matched + 1
		}
		if matched := ni + entryCount - 1; matched > r.matchIndex[peer] {
			r.matchIndex[peer] = matched
		}
	} else if r.nextIndex[peer] > 1 {
		r.nextIndex[peer]--
	}
	r.advanceCommitIndex()
}

func (r *Raft) requestVotes(electionID string) {
	body := requestVoteBody{
		Type:         "request_vote",
		Term:         r.term,
		CandidateID:  r.node.ID(),
		LastLogIndex: r.raftLog.LastIndex(),
		LastLogTerm:  r.raftLog.Last().Term,
	}
	peers := r.node.OtherIDs()
	termAtStart := r.term

	votes := struct {
		mu    sync.Mutex
		count int
	}{count: 1} // we always vote for ourselves

	var g errgroup.Group
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			env, err := r.node.RPC(peer, body)
			if err != nil {
				r.log.Debug().Str("election_id", electionID).Str("peer", peer).Err(err).Msg("request_vote failed")
				return nil
			}
			var res requestVoteResBody
			if err := env.DecodeBody(&res); err != nil {
				return nil
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			r.maybeStepDown(res.Term)
			r.resetStepDownDeadline()
			if r.role == Candidate && r.term == termAtStart && res.VoteGranted {
				votes.mu.Lock()
				votes.count++
				n := votes.count
				votes.mu.Unlock()
				if n >= majority(len(r.node.NodeIDs())) {
					r.log.Info().Str("election_id", electionID).Int("votes", n).Msg("won election")
					r.becomeLeader()
				}
			}
			return nil
		})
	}
	go func() { _ = g.Wait() }()
}

func (r *Raft) handleRequestVote(env node.Envelope) {
	var req requestVoteBody
	if err := env.DecodeBody(&req); err != nil {
		r.node.ReplyError(env, node.NewRPCError(node.MalformedRequest, err.Error()))
		return
	}
	r.mu.Lock()
	r.maybeStepDown(req.Term)

	granted := false
	lastTerm := r.raftLog.Last().Term
	lastIndex := r.raftLog.LastIndex()
	switch {
	case req.Term < r.term:
	case r.votedFor != "":
	case req.LastLogTerm < lastTerm:
	case req.LastLogTerm == lastTerm && req.LastLogIndex < lastIndex:
	default:
		granted = true
		r.votedFor = req.CandidateID
		r.resetElectionDeadline()
	}
	term := r.term
	r.mu.Unlock()

	r.node.Reply(env, requestVoteResBody{Type: "request_vote_res", Term: term, VoteGranted: granted})
}

func (r *Raft) handleAppendEntries(env node.Envelope) {
	var req appendEntriesBody
	if err := env.DecodeBody(&req); err != nil {
		r.node.ReplyError(env, node.NewRPCError(node.MalformedRequest, err.Error()))
		return
	}

	r.mu.Lock()
	r.maybeStepDown(req.Term)
	success := false
	if req.Term == r.term {
		r.leader = req.LeaderID
		r.resetElectionDeadline()
		if prev, ok := r.raftLog.Get(req.PrevLogIndex); ok && prev.Term == req.PrevLogTerm {
			r.raftLog.TruncateAfter(req.PrevLogIndex)
			r.raftLog.Append(req.Entries)
			if req.LeaderCommit > r.commitIndex {
				r.commitIndex = minU64(req.LeaderCommit, r.raftLog.Size()-1)
			}
			r.advanceStateMachine()
			success = true
		}
	}
	term := r.term
	r.mu.Unlock()

	r.node.Reply(env, appendEntriesResBody{Type: "append_entries_res", Term: term, Success: success})
}

// handleClientRequest dispatches one client read/write/cas: a leader
// logs the request and replies at apply time; a follower forwards to the
// known leader; with no known leader it reports TemporarilyUnavailable
// immediately.
func (r *Raft) handleClientRequest(env node.Envelope) {
	r.mu.Lock()
	if r.role == Leader {
		r.raftLog.Append([]Entry{{Term: r.term, Client: env}})
		r.mu.Unlock()
		return // reply deferred to apply time
	}
	leader := r.leader
	r.mu.Unlock()

	if leader == "" {
		r.node.ReplyError(env, node.NewRPCError(node.TemporarilyUnavailable, "no known leader"))
		return
	}
	var body json.RawMessage = env.Body
	res, err := r.node.RPC(leader, body)
	if err != nil {
		if rpcErr, ok := err.(*node.RPCError); ok {
			r.node.ReplyError(env, rpcErr)
		} else {
			r.node.ReplyError(env, node.NewRPCError(node.TemporarilyUnavailable, err.Error()))
		}
		return
	}
	var relay map[string]json.RawMessage
	if err := res.DecodeBody(&relay); err != nil {
		r.node.ReplyError(env, node.NewRPCError(node.Crash, err.Error()))
		return
	}
	r.node.Reply(env, relay)
}

// advanceCommitIndex raises commit_index to the highest entry the leader
// can prove is replicated on a majority AND was appended in its own
// current term — the latter check is what keeps a leader from committing
// (and thus exposing) an entry from a prior term before it has replicated
// an entry of its own. Caller must hold r.mu.
func (r *Raft) advanceCommitIndex() {
	if r.role != Leader {
		return
	}
	indices := make([]uint64, 0, len(r.matchIndex)+1)
	for _, idx := range r.matchIndex {
		indices = append(indices, idx)
	}
	indices = append(indices, r.raftLog.Size()-1)
	n := median(indices)
	if entry, ok := r.raftLog.Get(n); ok && n > r.commitIndex && entry.Term == r.term {
		r.commitIndex = n
	}
	r.advanceStateMachine()
}

// advanceStateMachine applies every committed-but-unapplied entry in
// order, replying to the stored client envelope only if still leader at
// apply time. Caller must hold r.mu.
func (r *Raft) advanceStateMachine() {
	for r.lastApplied < r.commitIndex {
		r.lastApplied++
		entry, _ := r.raftLog.Get(r.lastApplied)
		res, err := r.machine.Apply(entry.Client.Body)
		if r.role != Leader {
			continue
		}
		if err != nil {
			if rpcErr, ok := err.(*node.RPCError); ok {
				r.node.ReplyError(entry.Client, rpcErr)
			}
			continue
		}
		r.node.Reply(entry.Client, res)
	}
}

func majority(n int) int { return n/2 + 1 }

// median returns the ⌊N/2⌋+1-th order statistic: the highest index
// guaranteed replicated on a majority of the cluster.
func median(items []uint64) uint64 {
	sorted := append([]uint64(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)-majority(len(sorted))]
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

type requestVoteBody struct {
	Type         string `json:"type"`
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type requestVoteResBody struct {
	Type        string `json:"type"`
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

type appendEntriesBody struct {
	Type         string  `json:"type"`
	Term         uint64  `json:"term"`
	LeaderID     string  `json:"leader_id"`
	PrevLogIndex uint64  `json:"prev_log_index"`
	PrevLogTerm  uint64  `json:"prev_log_term"`
	Entries      []Entry `json:"entries"`
	LeaderCommit uint64  `json:"leader_commit"`
}

type appendEntriesResBody struct {
	Type    string `json:"type"`
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}
