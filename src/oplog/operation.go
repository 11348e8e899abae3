package oplog

import (
	"bytes"
	"math"

	"github.com/ugorji/go/codec"
	"github.com/veritas-net/veritas/src/crypto"
)

// OpType identifies the kind of an Operation. The set of types is closed;
// Validate rejects anything else at ingest.
type OpType string

const (
	// OpJoin registers a new user from an identity commitment.
	OpJoin OpType = "JOIN"
	// OpRumor publishes a new rumor.
	OpRumor OpType = "RUMOR"
	// OpVote casts a vote with a prediction vector on an existing rumor.
	OpVote OpType = "VOTE"
	// OpTombstone marks a rumor as deleted. Tombstones are permanent.
	OpTombstone OpType = "TOMBSTONE"
)

// VoteValue is the value of a vote. The ordinal order TRUE < FALSE <
// UNVERIFIED is significant: it breaks consensus ties deterministically.
type VoteValue uint8

const (
	// VoteTrue ...
	VoteTrue VoteValue = iota
	// VoteFalse ...
	VoteFalse
	// VoteUnverified ...
	VoteUnverified
)

// NumVoteValues is the size of the VoteValue enum. Prediction vectors are
// indexed by VoteValue.
const NumVoteValues = 3

// PredictionEpsilon is the tolerance when checking that a prediction vector
// sums to one.
const PredictionEpsilon = 1e-6

// String ...
func (v VoteValue) String() string {
	switch v {
	case VoteTrue:
		return "TRUE"
	case VoteFalse:
		return "FALSE"
	case VoteUnverified:
		return "UNVERIFIED"
	}
	return "UNKNOWN"
}

// JoinPayload carries the identity facts established by the identity
// collaborator. The commitment and nullifier are treated as opaque,
// pre-validated strings.
type JoinPayload struct {
	Nullifier  string
	Commitment string
	PubKeyHex  string
}

// RumorPayload ...
type RumorPayload struct {
	ID              string
	Text            string
	Topic           string
	AuthorNullifier string
}

// VotePayload carries a vote value together with the voter's prediction of
// the population's vote distribution, indexed by VoteValue ordinal.
type VotePayload struct {
	RumorID        string
	VoterNullifier string
	Value          VoteValue
	Prediction     [NumVoteValues]float64
	StakeAmount    float64
}

// TombstonePayload ...
type TombstonePayload struct {
	RumorID        string
	Reason         string
	ActorNullifier string
}

// Operation is the unit of the operation log. Exactly one payload field is
// set, matching Type. IngestIndex is assigned by the log on append and is the
// only authoritative ordering; it is excluded from the content hash so that
// the same operation ingested by two replicas has the same identity.
type Operation struct {
	Type        OpType
	Join        *JoinPayload      `json:",omitempty"`
	Rumor       *RumorPayload     `json:",omitempty"`
	Vote        *VotePayload      `json:",omitempty"`
	Tombstone   *TombstonePayload `json:",omitempty"`
	Timestamp   int64
	Signature   string `json:",omitempty"`
	IngestIndex int
}

// Marshal returns the canonical JSON encoding of the Operation. Canonical
// encoding is what makes replay and sync roots byte-identical across
// replicas.
func (op *Operation) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(op); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (op *Operation) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(op); err != nil {
		return err
	}

	return nil
}

// Hash returns the SHA256 hash of the canonical encoding of the Operation
// with IngestIndex zeroed. Two replicas that ingest the same operation at
// different positions still agree on its hash, which is what anti-entropy
// compares.
func (op *Operation) Hash() ([]byte, error) {
	content := *op
	content.IngestIndex = 0

	hashBytes, err := content.Marshal()
	if err != nil {
		return nil, err
	}

	return crypto.SHA256(hashBytes), nil
}

// Validate checks the structural shape of an operation: known type, exactly
// the matching payload present, required fields set, prediction vector in
// range and summing to one. It returns a ValidationErr describing the first
// problem found. Semantic conflicts (duplicate votes, tombstoned targets) are
// not checked here; they are resolved during replay.
func (op *Operation) Validate() error {
	payloads := 0
	if op.Join != nil {
		payloads++
	}
	if op.Rumor != nil {
		payloads++
	}
	if op.Vote != nil {
		payloads++
	}
	if op.Tombstone != nil {
		payloads++
	}
	if payloads != 1 {
		return NewValidationErr("Operation", "exactly one payload must be set")
	}

	switch op.Type {
	case OpJoin:
		if op.Join == nil {
			return NewValidationErr("Operation", "JOIN operation without join payload")
		}
		if op.Join.Nullifier == "" || op.Join.Commitment == "" {
			return NewValidationErr("JoinPayload", "nullifier and commitment are required")
		}
	case OpRumor:
		if op.Rumor == nil {
			return NewValidationErr("Operation", "RUMOR operation without rumor payload")
		}
		if op.Rumor.ID == "" || op.Rumor.AuthorNullifier == "" {
			return NewValidationErr("RumorPayload", "id and author nullifier are required")
		}
		if op.Rumor.Text == "" {
			return NewValidationErr("RumorPayload", "text is required")
		}
	case OpVote:
		if op.Vote == nil {
			return NewValidationErr("Operation", "VOTE operation without vote payload")
		}
		if op.Vote.RumorID == "" || op.Vote.VoterNullifier == "" {
			return NewValidationErr("VotePayload", "rumor id and voter nullifier are required")
		}
		if op.Vote.Value >= NumVoteValues {
			return NewValidationErr("VotePayload", "unknown vote value")
		}
		if err := validatePrediction(op.Vote.Prediction); err != nil {
			return err
		}
		if op.Vote.StakeAmount < 0 {
			return NewValidationErr("VotePayload", "negative stake amount")
		}
	case OpTombstone:
		if op.Tombstone == nil {
			return NewValidationErr("Operation", "TOMBSTONE operation without tombstone payload")
		}
		if op.Tombstone.RumorID == "" {
			return NewValidationErr("TombstonePayload", "rumor id is required")
		}
	default:
		return NewValidationErr("Operation", "unknown operation type "+string(op.Type))
	}

	return nil
}

func validatePrediction(p [NumVoteValues]float64) error {
	sum := 0.0
	for _, v := range p {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return NewValidationErr("VotePayload", "prediction components must be in [0,1]")
		}
		sum += v
	}
	if math.Abs(sum-1.0) > PredictionEpsilon {
		return NewValidationErr("VotePayload", "prediction vector must sum to 1")
	}
	return nil
}
