package domain

// Effect is a language-neutral record of a single side effect produced by
// a consensus-state-machine step (spec.md §4.3, §9). The set of concrete
// kinds below is exhaustive and stable — adding a new effect requires
// adding a new case to effects.Executor's type switch, which is the point:
// the corpus's isinstance-dispatch anti-pattern (spec.md §9, "Dynamic
// dispatch over effect kinds") is replaced with a compiler-checked
// exhaustive match over a sealed interface.
type Effect interface {
	isEffect()
}

type effectBase struct{}

func (effectBase) isEffect() {}

// AddTimestamp records that a named life-cycle state was entered now.
type AddTimestampEffect struct {
	effectBase
	TxHash    Hash
	StateName string
}

// StatusUpdate moves a transaction to a new status and, unless told not
// to, appends the transition to its (conceptual) status-change log.
type StatusUpdateEffect struct {
	effectBase
	TxHash                    Hash
	NewStatus                 TransactionStatus
	UpdateCurrentStatusChanges bool
}

// SendMessage emits a log-style event over the event bus (spec.md §6.3).
type SendMessageEffect struct {
	effectBase
	TxHash       Hash
	EventName    string
	Message      string
	Data         map[string]any
	LogToTerminal bool
}

// EmitRollupEvent notifies the (out-of-scope) rollup bridge of a
// per-round event (spec.md §6.3's transaction_event).
type EmitRollupEventEffect struct {
	effectBase
	TxHash    Hash
	EventName string
	Account   Address
	ExtraArgs []any
}

// DBWrite is a generic escape hatch calling a named TransactionStore
// method. Used sparingly, for the handful of single-field setters that
// don't warrant their own Effect kind upstream (spec.md's original source
// used this for mempool bookkeeping); every call still dispatches through
// a fixed case in effects.Executor, never through reflection.
type DBWriteEffect struct {
	effectBase
	MethodName string
	Args       []any
}

// RegisterContract creates a new ContractAccount row on successful
// DeployContract (spec.md §3, "Lifecycle").
type RegisterContractEffect struct {
	effectBase
	Address Address
	Code    []byte
}

// UpdateContractState overwrites one or both of a contract's Accepted and
// Finalized maps. A nil field is left untouched.
type UpdateContractStateEffect struct {
	effectBase
	Address        Address
	AcceptedState  ContractState
	FinalizedState ContractState
}

// SetTransactionResult persists the final ConsensusData for a transaction
// (with ContractState already stripped per spec.md §3).
type SetTransactionResultEffect struct {
	effectBase
	TxHash        Hash
	ConsensusData ConsensusData
}

// SetAppeal flips the appealed flag (true when an appeal is filed, false
// once it has been resolved).
type SetAppealEffect struct {
	effectBase
	TxHash   Hash
	Appealed bool
}

type SetAppealUndeterminedEffect struct {
	effectBase
	TxHash Hash
	Value  bool
}

type SetAppealLeaderTimeoutEffect struct {
	effectBase
	TxHash Hash
	Value  bool
}

type SetAppealValidatorsTimeoutEffect struct {
	effectBase
	TxHash Hash
	Value  bool
}

// SetAppealFailed sets the appeal_failed counter to an explicit value
// (spec.md §4.5 increments it by one on a failed appeal).
type SetAppealFailedEffect struct {
	effectBase
	TxHash Hash
	Count  int
}

type SetAppealProcessingTimeEffect struct {
	effectBase
	TxHash Hash
}

type ResetAppealProcessingTimeEffect struct {
	effectBase
	TxHash Hash
}

type SetTimestampAppealEffect struct {
	effectBase
	TxHash Hash
	Value  int64
}

type SetTimestampAwaitingFinalizationEffect struct {
	effectBase
	TxHash Hash
}

type SetTimestampLastVoteEffect struct {
	effectBase
	TxHash Hash
}

// SetContractSnapshot captures the immutable pre-round state used for
// rollback on a successful appeal (spec.md §4.5).
type SetContractSnapshotEffect struct {
	effectBase
	TxHash   Hash
	Snapshot ContractSnapshot
}

// SetLeaderTimeoutValidators records which validators were selected for a
// round that ended in LeaderTimeout, so an appeal can reuse them.
type SetLeaderTimeoutValidatorsEffect struct {
	effectBase
	TxHash     Hash
	Validators []Address
}

type ResetRotationCountEffect struct {
	effectBase
	TxHash Hash
}

type IncreaseRotationCountEffect struct {
	effectBase
	TxHash Hash
}

// UpdateConsensusHistory appends one round to the append-only history log
// and optionally carries the resulting status for convenience (spec.md §3).
type UpdateConsensusHistoryEffect struct {
	effectBase
	TxHash            Hash
	RoundLabel        RoundLabel
	LeaderReceipt     *Receipt
	ValidationResults []Receipt
	NewStatus         *TransactionStatus
}

// ClearConsensusHistory empties a transaction's round log. Unlike an
// appeal rollback (which preserves history, spec.md §4.5), crash recovery
// clears it along with everything else (spec.md §4.6).
type ClearConsensusHistoryEffect struct {
	effectBase
	TxHash Hash
}

// InsertTriggeredTransaction enqueues a new Pending transaction on behalf
// of a contract that scheduled a follow-up call during its own execution
// (spec.md §3, "triggered_by_hash").
type InsertTriggeredTransactionEffect struct {
	effectBase
	From                   Address
	To                     Address
	Data                   []byte
	Value                  uint64
	Type                   TransactionType
	Nonce                  uint64
	LeaderOnly             bool
	NumOfInitialValidators int
	ConfigRotationRounds   int
	TriggeredByHash        Hash
	TriggeredOn            TriggeredOn
}
