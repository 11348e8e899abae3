// Package reputation implements the durable per-user score ledger: stake
// locks, transactional score application, group slashing, and the decay and
// recovery cycles that pull scores back toward the initial baseline.
package reputation

import (
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
	cm "github.com/veritas-net/veritas/src/common"
)

// Ledger parameters.
const (
	// InitialScore is the baseline score of a freshly registered account.
	// Recovery pulls damaged scores back toward it and never beyond.
	InitialScore = 100.0

	// ScoreUnit converts a scoring-engine delta into ledger points.
	ScoreUnit = 10.0
)

// InsufficientScoreErr is returned by stake checks that fail. It is a normal,
// expected outcome of the staking flow, not an exceptional condition.
type InsufficientScoreErr struct {
	Nullifier string
	Requested float64
	Available float64
}

// Error ...
func (e InsufficientScoreErr) Error() string {
	return fmt.Sprintf("insufficient score for %s: requested %f, available %f",
		e.Nullifier, e.Requested, e.Available)
}

// IsInsufficientScore checks that an error is an InsufficientScoreErr.
func IsInsufficientScore(err error) bool {
	_, ok := err.(InsufficientScoreErr)
	return ok
}

// Account is the ledger record of one nullifier. Accounts are never deleted;
// misbehavior appends flags and reduces the score, preserving audit history.
type Account struct {
	Nullifier string
	Score     float64
	Locked    float64
	Flags     []string
}

// StakeLock reserves an amount of score against a unique action id between
// lock and release or consumption.
type StakeLock struct {
	Nullifier  string
	ActionID   string
	Amount     float64
	ActionType string
	LockedAt   int64
}

// Ledger is the reputation state machine. All mutations are serialized under
// one mutex; ApplyScores is transactional per rumor and effectively
// exactly-once per rumor id.
type Ledger struct {
	sync.Mutex

	accounts map[string]*Account
	locks    map[string]*StakeLock //action id => lock
	settled  map[string]bool       //rumor id => finalized

	logger *logrus.Entry
}

// NewLedger ...
func NewLedger(logger *logrus.Entry) *Ledger {
	return &Ledger{
		accounts: make(map[string]*Account),
		locks:    make(map[string]*StakeLock),
		settled:  make(map[string]bool),
		logger:   logger.WithField("prefix", "reputation"),
	}
}

// Reset drops every account, lock and settlement record. It is used when
// the projection is rebuilt over a replaced operation log.
func (l *Ledger) Reset() {
	l.Lock()
	defer l.Unlock()

	l.accounts = make(map[string]*Account)
	l.locks = make(map[string]*StakeLock)
	l.settled = make(map[string]bool)
}

// Register creates an account at the initial score. Re-registering an
// existing nullifier is a no-op that returns the existing score.
func (l *Ledger) Register(nullifier string) float64 {
	l.Lock()
	defer l.Unlock()

	if account, ok := l.accounts[nullifier]; ok {
		return account.Score
	}

	l.accounts[nullifier] = &Account{
		Nullifier: nullifier,
		Score:     InitialScore,
	}

	return InitialScore
}

// Score returns the current score of a nullifier.
func (l *Ledger) Score(nullifier string) (float64, error) {
	l.Lock()
	defer l.Unlock()

	account, ok := l.accounts[nullifier]
	if !ok {
		return 0, cm.NewStoreErr("Account", cm.KeyNotFound, nullifier)
	}
	return account.Score, nil
}

// Account returns a copy of the ledger record of a nullifier.
func (l *Ledger) Account(nullifier string) (Account, error) {
	l.Lock()
	defer l.Unlock()

	account, ok := l.accounts[nullifier]
	if !ok {
		return Account{}, cm.NewStoreErr("Account", cm.KeyNotFound, nullifier)
	}

	copied := *account
	copied.Flags = append([]string{}, account.Flags...)

	return copied, nil
}

// CanStake is a pure check that the nullifier's unlocked score covers the
// amount. It never mutates the ledger.
func (l *Ledger) CanStake(nullifier string, amount float64, actionType string) error {
	l.Lock()
	defer l.Unlock()
	return l.canStake(nullifier, amount)
}

func (l *Ledger) canStake(nullifier string, amount float64) error {
	account, ok := l.accounts[nullifier]
	if !ok {
		return cm.NewStoreErr("Account", cm.KeyNotFound, nullifier)
	}

	available := account.Score - account.Locked
	if amount > available {
		return InsufficientScoreErr{
			Nullifier: nullifier,
			Requested: amount,
			Available: available,
		}
	}

	return nil
}

// LockStake reserves amount against a unique action id. Locking an action id
// that is already locked is a synchronous failure, never a wait.
func (l *Ledger) LockStake(nullifier string, actionID string, amount float64, actionType string, now int64) error {
	l.Lock()
	defer l.Unlock()

	if _, ok := l.locks[actionID]; ok {
		return cm.NewStoreErr("StakeLock", cm.KeyAlreadyExists, actionID)
	}

	if err := l.canStake(nullifier, amount); err != nil {
		return err
	}

	l.locks[actionID] = &StakeLock{
		Nullifier:  nullifier,
		ActionID:   actionID,
		Amount:     amount,
		ActionType: actionType,
		LockedAt:   now,
	}
	l.accounts[nullifier].Locked += amount

	return nil
}

// ReleaseLock frees a stake lock unconsumed.
func (l *Ledger) ReleaseLock(actionID string) error {
	l.Lock()
	defer l.Unlock()

	lock, ok := l.locks[actionID]
	if !ok {
		return cm.NewStoreErr("StakeLock", cm.KeyNotFound, actionID)
	}

	l.accounts[lock.Nullifier].Locked -= lock.Amount
	delete(l.locks, actionID)

	return nil
}

// ApplyScores atomically applies all the deltas of a single rumor's
// finalization, scaled by each voter's stake, and consumes the corresponding
// stake locks. Every referenced account must exist, otherwise nothing is
// applied. A rumor id can only settle once: a second call is a no-op
// returning an AlreadySettled store error.
func (l *Ledger) ApplyScores(voterScores map[string]float64, rumorID string, stakes map[string]float64) error {
	l.Lock()
	defer l.Unlock()

	if l.settled[rumorID] {
		return cm.NewStoreErr("Finalization", cm.AlreadySettled, rumorID)
	}

	// validate the whole batch before mutating anything
	for nullifier := range voterScores {
		if _, ok := l.accounts[nullifier]; !ok {
			return cm.NewStoreErr("Account", cm.KeyNotFound, nullifier)
		}
	}

	for nullifier, delta := range voterScores {
		stake := stakes[nullifier]
		if stake == 0 {
			stake = 1
		}

		account := l.accounts[nullifier]
		account.Score += delta * stake * ScoreUnit

		actionID := voteActionID(rumorID, nullifier)
		if lock, ok := l.locks[actionID]; ok {
			account.Locked -= lock.Amount
			delete(l.locks, actionID)
		}
	}

	l.settled[rumorID] = true

	l.logger.WithFields(logrus.Fields{
		"rumor_id": rumorID,
		"voters":   len(voterScores),
	}).Debug("Applied finalization scores")

	return nil
}

// Settled reports whether a rumor's finalization was already applied.
func (l *Ledger) Settled(rumorID string) bool {
	l.Lock()
	defer l.Unlock()
	return l.settled[rumorID]
}

// ApplyGroupSlash applies a uniform penalty to a coordinated cluster,
// independent of the per-vote scoring path. Every member loses
// basePenalty * (1 + ln(n)) points, so the penalty grows logarithmically
// with cluster size. Unknown nullifiers are skipped; the slash is recorded
// as a flag on each account.
func (l *Ledger) ApplyGroupSlash(nullifiers []string, basePenalty float64, rumorID string) {
	l.Lock()
	defer l.Unlock()

	n := len(nullifiers)
	if n == 0 {
		return
	}

	penalty := basePenalty * (1 + math.Log(float64(n)))

	for _, nullifier := range nullifiers {
		account, ok := l.accounts[nullifier]
		if !ok {
			continue
		}
		account.Score -= penalty
		account.Flags = append(account.Flags, fmt.Sprintf("slashed:%s", rumorID))
	}

	l.logger.WithFields(logrus.Fields{
		"rumor_id": rumorID,
		"cluster":  n,
		"penalty":  penalty,
	}).Warn("Applied group slash")
}

// ApplyDecay multiplies every score toward zero by rate (0 < rate <= 1).
// Calling twice applies the effect twice; the caller controls cadence.
func (l *Ledger) ApplyDecay(rate float64) {
	l.Lock()
	defer l.Unlock()

	if rate <= 0 || rate > 1 {
		return
	}

	for _, account := range l.accounts {
		account.Score *= rate
	}
}

// ApplyRecovery nudges scores below the initial baseline upward by rate
// points per cycle, never overshooting the baseline.
func (l *Ledger) ApplyRecovery(rate float64) {
	l.Lock()
	defer l.Unlock()

	if rate <= 0 {
		return
	}

	for _, account := range l.accounts {
		if account.Score < InitialScore {
			account.Score += rate
			if account.Score > InitialScore {
				account.Score = InitialScore
			}
		}
	}
}

// voteActionID is the action id under which a vote's stake is locked, shared
// between the staking flow and finalization.
func voteActionID(rumorID, nullifier string) string {
	return fmt.Sprintf("vote:%s:%s", rumorID, nullifier)
}

// VoteActionID exposes the vote lock naming scheme to callers that lock
// stakes when votes are ingested.
func VoteActionID(rumorID, nullifier string) string {
	return voteActionID(rumorID, nullifier)
}
