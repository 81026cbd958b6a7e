package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// TransactionType identifies what kind of work a Transaction performs.
type TransactionType string

const (
	TxSend           TransactionType = "send"
	TxDeployContract TransactionType = "deploy_contract"
	TxRunContract    TransactionType = "run_contract"
)

// TransactionStatus is one node of the finite automaton described in
// spec.md §4.3. Transitions within a single life-cycle iteration are
// monotonic; appeal success is the one path that re-enters Pending.
type TransactionStatus string

const (
	StatusPending             TransactionStatus = "PENDING"
	StatusActivated           TransactionStatus = "ACTIVATED"
	StatusProposing           TransactionStatus = "PROPOSING"
	StatusCommitting          TransactionStatus = "COMMITTING"
	StatusRevealing           TransactionStatus = "REVEALING"
	StatusAccepted            TransactionStatus = "ACCEPTED"
	StatusUndetermined        TransactionStatus = "UNDETERMINED"
	StatusLeaderTimeout       TransactionStatus = "LEADER_TIMEOUT"
	StatusValidatorsTimeout   TransactionStatus = "VALIDATORS_TIMEOUT"
	StatusFinalized           TransactionStatus = "FINALIZED"
	StatusCanceled            TransactionStatus = "CANCELED"
)

// RoundLabel tags one entry of a transaction's consensus history.
type RoundLabel string

const (
	RoundProposing          RoundLabel = "Proposing"
	RoundLeaderRotation     RoundLabel = "Leader Rotation"
	RoundAccepted           RoundLabel = "Accepted"
	RoundUndetermined       RoundLabel = "Undetermined"
	RoundLeaderTimeout      RoundLabel = "Leader Timeout"
	RoundValidatorsTimeout  RoundLabel = "Validators Timeout"
	RoundAppeal             RoundLabel = "Appeal"
	RoundAppealFailed       RoundLabel = "Appeal Failed"
	RoundAppealSuccessful   RoundLabel = "Appeal Successful"
)

// TriggeredOn selects when a contract-scheduled follow-up transaction is
// inserted: immediately on acceptance, or deferred until finalization.
type TriggeredOn string

const (
	TriggeredOnAccepted  TriggeredOn = "accepted"
	TriggeredOnFinalized TriggeredOn = "finalized"
)

// Transaction is the unit of consensus. See spec.md §3 for the field
// list and invariants.
type Transaction struct {
	Hash      Hash            `json:"hash"`
	From      Address         `json:"from_address"`
	To        Address         `json:"to_address"`
	Type      TransactionType `json:"type"`
	Nonce     uint64          `json:"nonce"`
	Value     uint64          `json:"value"`
	Data      []byte          `json:"data"`
	Status    TransactionStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`

	LeaderOnly             bool `json:"leader_only"`
	NumOfInitialValidators int  `json:"num_of_initial_validators"`
	ConfigRotationRounds   int  `json:"config_rotation_rounds"`

	ConsensusData    *ConsensusData     `json:"consensus_data,omitempty"`
	ConsensusHistory ConsensusHistory   `json:"consensus_history"`
	ContractSnapshot *ContractSnapshot  `json:"contract_snapshot,omitempty"`

	AppealFailed    int  `json:"appeal_failed"`
	RotationCount   int  `json:"rotation_count"`

	TimestampAppeal               int64 `json:"timestamp_appeal"`
	TimestampAwaitingFinalization int64 `json:"timestamp_awaiting_finalization"`
	TimestampLastVote             int64 `json:"timestamp_last_vote"`

	// LeaderTimeoutValidators is the committee selected for a round that
	// ended in LeaderTimeout. tx.ConsensusData is never populated for that
	// status (only Accepted/Undetermined/ValidatorsTimeout set it), so an
	// appeal on a LeaderTimeout transaction has no other record of which
	// validators to reuse (spec.md §4.2, §4.5).
	LeaderTimeoutValidators []Address `json:"leader_timeout_validators,omitempty"`

	Appealed                  bool `json:"appealed"`
	AppealUndetermined        bool `json:"appeal_undetermined"`
	AppealLeaderTimeout       bool `json:"appeal_leader_timeout"`
	AppealValidatorsTimeout   bool `json:"appeal_validators_timeout"`
	AppealProcessingTime      int64 `json:"appeal_processing_time"`

	TriggeredByHash *Hash       `json:"triggered_by_hash,omitempty"`
	TriggeredOn     TriggeredOn `json:"triggered_on,omitempty"`

	// ClaimedBy is the worker id currently holding this transaction in a
	// non-Pending, non-terminal state. Empty once terminal or Pending.
	ClaimedBy string `json:"claimed_by,omitempty"`
}

// hashPayload mirrors the canonical-JSON-then-hash idiom used by the
// teacher's Transaction.prepareDataForHashing, adapted to this domain's
// field set (from, to, data, nonce, value, type) per spec.md §4.1.
type hashPayload struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Data  string `json:"data"`
	Nonce uint64 `json:"nonce"`
	Value uint64 `json:"value"`
	Type  string `json:"type"`
}

// ComputeHash deterministically hashes (from, to, data, nonce, value, type),
// as required by C1's insert_transaction contract (spec.md §4.1).
func ComputeHash(from, to Address, data []byte, nonce, value uint64, txType TransactionType) Hash {
	payload := hashPayload{
		From:  from.Hex(),
		To:    to.Hex(),
		Data:  fmt.Sprintf("%x", data),
		Nonce: nonce,
		Value: value,
		Type:  string(txType),
	}
	// json.Marshal on a struct with fixed field order is deterministic,
	// matching the corpus's canonical-JSON hashing convention.
	encoded, err := json.Marshal(payload)
	if err != nil {
		// Marshal of a plain struct of strings/uints cannot fail.
		panic(fmt.Sprintf("domain: unexpected marshal failure: %v", err))
	}
	sum := sha256.Sum256(encoded)
	var h Hash
	copy(h[:], sum[:])
	return h
}

// NonceSeed is a helper so callers building deterministic test fixtures can
// derive a nonce-like value from a counter without importing math/rand.
func NonceSeed(counter uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, counter)
	return b
}

// ConsensusHistory is the append-only log of every round a transaction has
// gone through, across rotations and appeals (spec.md §3, §8).
type ConsensusHistory struct {
	Rounds []ConsensusHistoryRound `json:"rounds"`
}

// ConsensusHistoryRound is one entry of ConsensusHistory.
type ConsensusHistoryRound struct {
	RoundLabel        RoundLabel `json:"round_label"`
	RoundIndex        int        `json:"round_index"`
	LeaderReceipt      *Receipt  `json:"leader_receipt,omitempty"`
	ValidationResults  []Receipt `json:"validation_results,omitempty"`
	ResultingStatus    *TransactionStatus `json:"resulting_status,omitempty"`
	RecordedAt         time.Time `json:"recorded_at"`
}

// Append adds a new round, preserving the monotonically increasing round
// index invariant from spec.md §8.
func (h *ConsensusHistory) Append(round ConsensusHistoryRound) {
	round.RoundIndex = len(h.Rounds)
	h.Rounds = append(h.Rounds, round)
}
