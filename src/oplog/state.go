package oplog

import (
	"bytes"

	"github.com/ugorji/go/codec"
	"github.com/veritas-net/veritas/src/crypto"
)

// User is the materialized record created by a JOIN operation. Users are
// never deleted; misbehaving users are flagged and slashed by the reputation
// ledger, preserving audit history.
type User struct {
	Nullifier  string
	Commitment string
	PubKeyHex  string
	JoinedAt   int64
}

// Rumor is the materialized record created by a RUMOR operation. Tombstoned
// is set once by a TOMBSTONE and no operation can clear it.
type Rumor struct {
	ID              string
	Text            string
	Topic           string
	AuthorNullifier string
	CreatedAt       int64
	Tombstoned      bool
}

// Vote is the materialized record created by a VOTE operation. At most one
// vote exists per (rumor, voter) pair; later attempts are skipped during
// replay.
type Vote struct {
	RumorID        string
	VoterNullifier string
	Value          VoteValue
	Prediction     [NumVoteValues]float64
	StakeAmount    float64
	Timestamp      int64
}

// TombstoneRecord is a monotone delete-marker. The ledger of tombstones is
// keyed by rumor id; re-tombstoning is a no-op.
type TombstoneRecord struct {
	RumorID        string
	Reason         string
	ActorNullifier string
	CreatedAt      int64
}

// State is the materialized view produced by replaying the operation log. It
// is an explicit value rebuilt by a pure fold over the operation sequence; it
// holds no reference back to the log.
type State struct {
	Users      map[string]*User
	Rumors     map[string]*Rumor
	Votes      map[string]map[string]*Vote //rumor id => voter nullifier => vote
	Tombstones map[string]*TombstoneRecord //rumor id => tombstone
}

// NewState creates an empty State.
func NewState() *State {
	return &State{
		Users:      make(map[string]*User),
		Rumors:     make(map[string]*Rumor),
		Votes:      make(map[string]map[string]*Vote),
		Tombstones: make(map[string]*TombstoneRecord),
	}
}

// Clone returns a deep copy of the State. The materializer folds new
// operations into a clone and swaps it in, so a State it handed out earlier
// is never written again.
func (s *State) Clone() *State {
	c := NewState()

	for k, u := range s.Users {
		cu := *u
		c.Users[k] = &cu
	}

	for k, r := range s.Rumors {
		cr := *r
		c.Rumors[k] = &cr
	}

	for rumorID, votes := range s.Votes {
		cv := make(map[string]*Vote, len(votes))
		for voter, v := range votes {
			vv := *v
			cv[voter] = &vv
		}
		c.Votes[rumorID] = cv
	}

	for k, t := range s.Tombstones {
		ct := *t
		c.Tombstones[k] = &ct
	}

	return c
}

// Marshal returns the canonical JSON encoding of the State. Canonical
// encoding sorts map keys, so two states with the same content encode to the
// same bytes regardless of map iteration order.
func (s *State) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(s); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (s *State) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(s); err != nil {
		return err
	}

	return nil
}

// Hash returns the SHA256 hash of the canonical encoding of the State. Two
// replicas that replayed the same log prefix produce the same hash.
func (s *State) Hash() ([]byte, error) {
	data, err := s.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(data), nil
}

// ActiveRumors counts the rumors that are not tombstoned.
func (s *State) ActiveRumors() int {
	n := 0
	for _, r := range s.Rumors {
		if !r.Tombstoned {
			n++
		}
	}
	return n
}

// TombstonedRumors counts the rumors that are tombstoned.
func (s *State) TombstonedRumors() int {
	n := 0
	for _, r := range s.Rumors {
		if r.Tombstoned {
			n++
		}
	}
	return n
}

// TotalVotes counts the votes across all rumors.
func (s *State) TotalVotes() int {
	n := 0
	for _, votes := range s.Votes {
		n += len(votes)
	}
	return n
}

// RumorVotes returns the votes for one rumor.
func (s *State) RumorVotes(rumorID string) []*Vote {
	votes := []*Vote{}
	for _, v := range s.Votes[rumorID] {
		votes = append(votes, v)
	}
	return votes
}
