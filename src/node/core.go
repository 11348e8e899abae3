package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/veritas-net/veritas/src/antientropy"
	"github.com/veritas-net/veritas/src/common"
	"github.com/veritas-net/veritas/src/crypto/keys"
	"github.com/veritas-net/veritas/src/membership"
	"github.com/veritas-net/veritas/src/net"
	"github.com/veritas-net/veritas/src/oplog"
	"github.com/veritas-net/veritas/src/peers"
	"github.com/veritas-net/veritas/src/reputation"
	"github.com/veritas-net/veritas/src/scoring"
	"github.com/veritas-net/veritas/src/trust"
)

// Core wires the operation log, the reputation ledger, the scoring engine,
// the membership accumulator and the trust propagator behind the node's
// single ingestion path. Every operation, whether submitted locally or
// received from the network, flows through AddOperation or a merge; side
// effects on the ledger and the accumulator are derived from the
// materialized state, never applied directly, so a replayed or merged log
// always produces the same ledger.
type Core struct {
	validator *Validator
	conf      *Config

	mat      *oplog.Materializer
	ledger   *reputation.Ledger
	acc      *membership.Accumulator
	dampener *scoring.Dampener
	engine   *scoring.Engine
	syncer   *antientropy.Syncer

	selectorLock sync.Mutex
	peerSelector PeerSelector

	// coreLock guards the bookkeeping maps below. The collaborators have
	// their own internal locking.
	coreLock      sync.Mutex
	lastProcessed int
	lockedVotes   map[string][]string // rumor id => voters holding a live stake lock
	finalized     map[string]*trust.FinalizedRumor
	noQuorum      map[string]bool
	inFlight      map[string]bool
	trustScores   map[string]float64

	logger *logrus.Entry
}

// NewCore ...
func NewCore(
	validator *Validator,
	peerSet *peers.PeerSet,
	store oplog.Store,
	conf *Config,
	logger *logrus.Entry,
) *Core {
	mat := oplog.NewMaterializer(oplog.NewLog(store, logger), conf.SnapshotInterval, logger)
	acc := membership.NewAccumulator(logger)

	return &Core{
		validator:     validator,
		conf:          conf,
		mat:           mat,
		ledger:        reputation.NewLedger(logger),
		acc:           acc,
		dampener:      scoring.NewDampener(logger),
		engine:        scoring.NewEngine(logger),
		syncer:        antientropy.NewSyncer(validator.Moniker, mat, acc, conf.SyncLimit, logger),
		peerSelector:  NewRandomPeerSelector(peerSet, validator.ID()),
		lastProcessed: -1,
		lockedVotes:   make(map[string][]string),
		finalized:     make(map[string]*trust.FinalizedRumor),
		noQuorum:      make(map[string]bool),
		inFlight:      make(map[string]bool),
		trustScores:   make(map[string]float64),
		logger:        logger.WithField("prefix", "core"),
	}
}

// Bootstrap replays the operations already present in the store, rebuilding
// the materialized state, the ledger and the accumulator from scratch.
func (c *Core) Bootstrap() error {
	if _, err := c.mat.Rebuild(); err != nil {
		return err
	}
	return c.resetProjection()
}

// ImportLog replaces the operation log with an exported payload and rebuilds
// the full projection, ledger and accumulator included, by replay.
func (c *Core) ImportLog(data []byte) (*oplog.RebuildResult, error) {
	res, err := c.mat.Import(data)
	if err != nil {
		return nil, err
	}
	return res, c.resetProjection()
}

// resetProjection drops the derived ledger, accumulator and finalization
// bookkeeping and projects the whole log again. Finalization records are
// dropped too; settled rumors become due again and re-finalize to the same
// scores because the scoring seed is derived from the vote set.
func (c *Core) resetProjection() error {
	c.coreLock.Lock()
	c.ledger.Reset()
	c.acc.Reset()
	c.lastProcessed = -1
	c.lockedVotes = make(map[string][]string)
	c.finalized = make(map[string]*trust.FinalizedRumor)
	c.noQuorum = make(map[string]bool)
	c.inFlight = make(map[string]bool)
	c.coreLock.Unlock()

	return c.processSideEffects()
}

// SignOperation signs an operation with the validator's key. The signature
// covers the operation's content hash, computed with the signature field
// empty.
func (c *Core) SignOperation(op *oplog.Operation) error {
	op.Signature = ""

	hash, err := op.Hash()
	if err != nil {
		return err
	}

	r, s, err := keys.Sign(c.validator.Key, hash)
	if err != nil {
		return err
	}

	op.Signature = keys.EncodeSignature(r, s)
	return nil
}

// VerifyOperation checks an operation's signature against the signer's
// public key. JOIN operations carry their own key; for the others the key is
// looked up in the materialized user registry. Unsigned operations and
// operations from unknown users fail.
func (c *Core) VerifyOperation(op *oplog.Operation) error {
	if op.Signature == "" {
		return fmt.Errorf("operation is not signed")
	}

	var pubKeyHex string
	switch op.Type {
	case oplog.OpJoin:
		pubKeyHex = op.Join.PubKeyHex
	case oplog.OpRumor:
		pubKeyHex = c.userPubKey(op.Rumor.AuthorNullifier)
	case oplog.OpVote:
		pubKeyHex = c.userPubKey(op.Vote.VoterNullifier)
	case oplog.OpTombstone:
		pubKeyHex = c.userPubKey(op.Tombstone.ActorNullifier)
	}

	pub := keys.ParsePublicKeyHex(pubKeyHex)
	if pub == nil {
		return fmt.Errorf("signer's public key is unknown")
	}

	content := *op
	content.Signature = ""
	hash, err := content.Hash()
	if err != nil {
		return err
	}

	if !keys.VerifyEncoded(pub, hash, op.Signature) {
		return fmt.Errorf("invalid signature")
	}

	return nil
}

func (c *Core) userPubKey(nullifier string) string {
	if user, ok := c.mat.State().Users[nullifier]; ok {
		return user.PubKeyHex
	}
	return ""
}

// AddOperation signs and ingests a locally submitted operation, then applies
// its side effects. It is the only write path for the UI.
func (c *Core) AddOperation(op *oplog.Operation) (int, error) {
	if op.Timestamp == 0 {
		op.Timestamp = time.Now().Unix()
	}

	if err := c.SignOperation(op); err != nil {
		return -1, err
	}

	index, err := c.mat.Ingest(op)
	if err != nil {
		return -1, err
	}

	return index, c.processSideEffects()
}

// MergeOps merges operations pushed by a peer. They go through the same
// validation and replay semantics as a pull merge.
func (c *Core) MergeOps(fromID string, ops []oplog.Operation) (*antientropy.MergeResult, error) {
	return c.MergeResponse(&net.SyncResponse{FromID: fromID, Ops: ops})
}

// MergeResponse merges a peer's sync response and applies the side effects
// of whatever was new.
func (c *Core) MergeResponse(resp *net.SyncResponse) (*antientropy.MergeResult, error) {
	res, err := c.syncer.HandleSyncResponse(resp)
	if err != nil {
		return nil, err
	}

	if res.MergedOps > 0 {
		if err := c.processSideEffects(); err != nil {
			return res, err
		}
	}

	return res, nil
}

// processSideEffects walks the operations appended since the last call and
// projects them onto the ledger and the accumulator, using the materialized
// state to decide whether each operation was actually applied or skipped
// during replay.
func (c *Core) processSideEffects() error {
	c.coreLock.Lock()
	defer c.coreLock.Unlock()

	ops, err := c.mat.Log().Operations(c.lastProcessed, -1)
	if err != nil {
		return err
	}

	state := c.mat.State()

	for _, op := range ops {
		switch op.Type {
		case oplog.OpJoin:
			c.effectJoin(state, op)
		case oplog.OpVote:
			c.effectVote(state, op)
		case oplog.OpTombstone:
			c.effectTombstone(state, op)
		}
		c.lastProcessed = op.IngestIndex
	}

	return nil
}

func (c *Core) effectJoin(state *oplog.State, op *oplog.Operation) {
	user, ok := state.Users[op.Join.Nullifier]
	if !ok || user.Commitment != op.Join.Commitment {
		// duplicate join, first write won
		return
	}

	c.ledger.Register(user.Nullifier)

	if _, _, err := c.acc.AddMember(user.Commitment); err != nil && !common.IsStore(err, common.KeyAlreadyExists) {
		c.logger.WithError(err).WithField("nullifier", user.Nullifier).Error("Adding member")
	}
}

func (c *Core) effectVote(state *oplog.State, op *oplog.Operation) {
	vote, ok := state.Votes[op.Vote.RumorID][op.Vote.VoterNullifier]
	if !ok || vote.Timestamp != op.Timestamp || vote.Value != op.Vote.Value {
		// the vote was skipped or superseded during replay
		return
	}

	actionID := reputation.VoteActionID(op.Vote.RumorID, op.Vote.VoterNullifier)
	err := c.ledger.LockStake(op.Vote.VoterNullifier, actionID, op.Vote.StakeAmount, "vote", op.Timestamp)
	if err != nil {
		if !common.IsStore(err, common.KeyAlreadyExists) {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"rumor_id": op.Vote.RumorID,
				"voter":    op.Vote.VoterNullifier,
			}).Warn("Locking stake")
		}
		return
	}

	c.lockedVotes[op.Vote.RumorID] = append(c.lockedVotes[op.Vote.RumorID], op.Vote.VoterNullifier)
}

// effectTombstone releases the stake locks of votes that the tombstone
// retracted, unless the rumor already settled.
func (c *Core) effectTombstone(state *oplog.State, op *oplog.Operation) {
	rumorID := op.Tombstone.RumorID

	if _, ok := state.Tombstones[rumorID]; !ok {
		return
	}
	if c.ledger.Settled(rumorID) {
		return
	}

	for _, voter := range c.lockedVotes[rumorID] {
		actionID := reputation.VoteActionID(rumorID, voter)
		if err := c.ledger.ReleaseLock(actionID); err != nil && !common.IsStore(err, common.KeyNotFound) {
			c.logger.WithError(err).WithField("action_id", actionID).Warn("Releasing lock")
		}
	}
	delete(c.lockedVotes, rumorID)
}

// JoinOperation builds the signed JOIN operation registering this node's
// identity.
func (c *Core) JoinOperation() (*oplog.Operation, error) {
	op := &oplog.Operation{
		Type: oplog.OpJoin,
		Join: &oplog.JoinPayload{
			Nullifier:  c.validator.Nullifier(),
			Commitment: c.validator.Commitment(),
			PubKeyHex:  c.validator.PublicKeyHex(),
		},
		Timestamp: time.Now().Unix(),
	}

	if err := c.SignOperation(op); err != nil {
		return nil, err
	}

	return op, nil
}

// CheckWindows returns the rumors whose voting window has closed and which
// have not been finalized yet.
func (c *Core) CheckWindows(now int64) []string {
	c.coreLock.Lock()
	defer c.coreLock.Unlock()

	windowSecs := int64(c.conf.VotingWindow / time.Second)
	due := []string{}

	for rumorID, rumor := range c.mat.State().Rumors {
		if rumor.Tombstoned {
			continue
		}
		if now < rumor.CreatedAt+windowSecs {
			continue
		}
		if c.finalized[rumorID] != nil || c.noQuorum[rumorID] || c.inFlight[rumorID] {
			continue
		}
		due = append(due, rumorID)
	}

	return due
}

// FinalizeRumor closes a rumor's voting window: the vote set is dampened,
// scored, and the resulting deltas are applied to the ledger exactly once.
// Coordinated clusters detected in the vote set are slashed as a group.
// Finalizations of distinct rumors may run concurrently; a second
// finalization of the same rumor is a no-op.
func (c *Core) FinalizeRumor(rumorID string) (*trust.FinalizedRumor, error) {
	c.coreLock.Lock()
	if done := c.finalized[rumorID]; done != nil {
		c.coreLock.Unlock()
		return done, nil
	}
	if c.inFlight[rumorID] {
		c.coreLock.Unlock()
		return nil, fmt.Errorf("rumor %s is already being finalized", rumorID)
	}
	c.inFlight[rumorID] = true
	trustScores := c.trustScores
	c.coreLock.Unlock()

	defer func() {
		c.coreLock.Lock()
		delete(c.inFlight, rumorID)
		c.coreLock.Unlock()
	}()

	state := c.mat.State()

	votes := []*oplog.Vote{}
	stakes := map[string]float64{}
	for _, vote := range state.Votes[rumorID] {
		votes = append(votes, vote)
		stakes[vote.VoterNullifier] = vote.StakeAmount
	}

	if len(votes) < scoring.MinVoters {
		c.releaseRumorLocks(rumorID)
		c.coreLock.Lock()
		c.noQuorum[rumorID] = true
		c.coreLock.Unlock()

		c.logger.WithFields(logrus.Fields{
			"rumor_id": rumorID,
			"votes":    len(votes),
		}).Debug("Window closed without quorum")

		return nil, scoring.ErrInsufficientVoters
	}

	histories := buildHistories(state)

	weighted := c.dampener.Weigh(votes, histories)
	weighted = applyTrust(weighted, trustScores)

	result, err := c.engine.Score(rumorID, len(votes), weighted)
	if err != nil {
		return nil, err
	}

	if err := c.ledger.ApplyScores(result.VoterScores, rumorID, stakes); err != nil {
		if !common.IsStore(err, common.AlreadySettled) {
			return nil, err
		}
	}

	for _, cluster := range c.dampener.DetectClusters(votes, histories) {
		c.ledger.ApplyGroupSlash(cluster, c.conf.SlashBasePenalty, rumorID)
	}

	record := &trust.FinalizedRumor{
		RumorID:     rumorID,
		Consensus:   result.Consensus,
		TrustScore:  result.RumorTrustScore,
		VoterScores: result.VoterScores,
	}

	c.coreLock.Lock()
	c.finalized[rumorID] = record
	delete(c.lockedVotes, rumorID)
	c.coreLock.Unlock()

	c.logger.WithFields(logrus.Fields{
		"rumor_id":  rumorID,
		"consensus": record.Consensus,
		"trust":     record.TrustScore,
		"method":    result.Method,
		"voters":    len(result.VoterScores),
	}).Debug("Finalized rumor")

	return record, nil
}

func (c *Core) releaseRumorLocks(rumorID string) {
	c.coreLock.Lock()
	voters := c.lockedVotes[rumorID]
	delete(c.lockedVotes, rumorID)
	c.coreLock.Unlock()

	for _, voter := range voters {
		actionID := reputation.VoteActionID(rumorID, voter)
		if err := c.ledger.ReleaseLock(actionID); err != nil && !common.IsStore(err, common.KeyNotFound) {
			c.logger.WithError(err).WithField("action_id", actionID).Warn("Releasing lock")
		}
	}
}

// buildHistories assembles each voter's full vote record across all rumors.
func buildHistories(state *oplog.State) map[string]*scoring.VoterHistory {
	histories := map[string]*scoring.VoterHistory{}
	for rumorID, rumorVotes := range state.Votes {
		for voter, vote := range rumorVotes {
			h, ok := histories[voter]
			if !ok {
				h = &scoring.VoterHistory{Votes: map[string]*oplog.Vote{}}
				histories[voter] = h
			}
			h.Votes[rumorID] = vote
		}
	}
	return histories
}

// applyTrust folds the latest propagated trust scores into the dampened
// weights. Voters with no trust record keep their dampened weight; the rest
// are scaled towards it by their share of the maximum score, never below
// half.
func applyTrust(weighted []scoring.WeightedVote, trustScores map[string]float64) []scoring.WeightedVote {
	if len(trustScores) == 0 {
		return weighted
	}

	max := 0.0
	for _, s := range trustScores {
		if s > max {
			max = s
		}
	}
	if max == 0 {
		return weighted
	}

	for i := range weighted {
		score, ok := trustScores[weighted[i].Vote.VoterNullifier]
		if !ok {
			continue
		}
		weighted[i].Weight *= 0.5 + 0.5*(score/max)
	}

	return weighted
}

// RecomputeTrust rebuilds the trust graph from the finalized rumors and runs
// personalized PageRank over it, seeded by this node's own identity. The
// scores feed the dampener on the next finalization.
func (c *Core) RecomputeTrust() trust.PPRResult {
	c.coreLock.Lock()
	finalized := make(map[string]*trust.FinalizedRumor, len(c.finalized))
	for k, v := range c.finalized {
		finalized[k] = v
	}
	c.coreLock.Unlock()

	graph := trust.BuildGraph(c.mat.State().Votes, finalized)

	seeds := []string{}
	if _, ok := c.mat.State().Users[c.validator.Nullifier()]; ok {
		seeds = append(seeds, c.validator.Nullifier())
	}

	result := graph.ComputePPR(seeds, trust.PPROpts{})

	c.coreLock.Lock()
	c.trustScores = result.Scores
	c.coreLock.Unlock()

	c.logger.WithFields(logrus.Fields{
		"nodes":      graph.Size(),
		"iterations": result.Iterations,
		"converged":  result.Converged,
	}).Debug("Recomputed trust")

	return result
}

// RunMaintenance applies one decay and recovery cycle to the ledger.
func (c *Core) RunMaintenance() {
	c.ledger.ApplyDecay(c.conf.DecayRate)
	c.ledger.ApplyRecovery(c.conf.RecoveryRate)
}

// Accessors used by the node's RPC handlers and the HTTP service.

// State returns the materialized state.
func (c *Core) State() *oplog.State {
	return c.mat.State()
}

// Materializer ...
func (c *Core) Materializer() *oplog.Materializer {
	return c.mat
}

// Ledger ...
func (c *Core) Ledger() *reputation.Ledger {
	return c.ledger
}

// Accumulator ...
func (c *Core) Accumulator() *membership.Accumulator {
	return c.acc
}

// Syncer ...
func (c *Core) Syncer() *antientropy.Syncer {
	return c.syncer
}

// TrustScores returns the latest propagated trust scores.
func (c *Core) TrustScores() map[string]float64 {
	c.coreLock.Lock()
	defer c.coreLock.Unlock()

	scores := make(map[string]float64, len(c.trustScores))
	for k, v := range c.trustScores {
		scores[k] = v
	}
	return scores
}

// Finalized returns the finalization record of a rumor, or nil.
func (c *Core) Finalized(rumorID string) *trust.FinalizedRumor {
	c.coreLock.Lock()
	defer c.coreLock.Unlock()
	return c.finalized[rumorID]
}

// FinalizedCount ...
func (c *Core) FinalizedCount() int {
	c.coreLock.Lock()
	defer c.coreLock.Unlock()
	return len(c.finalized)
}
