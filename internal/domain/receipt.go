package domain

// Vote is a validator's verdict on one round, derived from the comparison
// rules in spec.md §4.3.
type Vote string

const (
	VoteNotVoted               Vote = "NOT_VOTED"
	VoteAgree                  Vote = "AGREE"
	VoteDisagree               Vote = "DISAGREE"
	VoteTimeout                Vote = "TIMEOUT"
	VoteDeterministicViolation Vote = "DETERMINISTIC_VIOLATION"
	VoteIdle                   Vote = "IDLE"
)

// ExecutionMode distinguishes the leader's run of a round from a
// validator's run of the same round.
type ExecutionMode string

const (
	ModeLeader    ExecutionMode = "leader"
	ModeValidator ExecutionMode = "validator"
)

// ExecutionResult is the coarse outcome reported by the executor.
type ExecutionResult string

const (
	ExecutionSuccess ExecutionResult = "SUCCESS"
	ExecutionError   ExecutionResult = "ERROR"
)

// ResultCode tags the payload carried in a Receipt.Result, per the genvm
// wire protocol (spec.md §6.1).
type ResultCode byte

const (
	ResultReturn      ResultCode = 0
	ResultVMError     ResultCode = 1
	ResultUserError   ResultCode = 2
	ResultInternalError ResultCode = 3
)

// PendingTransaction is a follow-up call a contract scheduled during its
// own execution — it becomes a triggered Transaction once this round is
// accepted (spec.md §3, InsertTriggeredTransaction effect).
type PendingTransaction struct {
	Address   Address     `json:"address"`
	Calldata  []byte      `json:"calldata"`
	Code      []byte      `json:"code,omitempty"`
	SaltNonce uint64      `json:"salt_nonce"`
	On        TriggeredOn `json:"on"`
	Value     uint64      `json:"value"`
}

// IsDeploy reports whether this pending transaction deploys new code
// rather than calling an existing contract.
func (p PendingTransaction) IsDeploy() bool { return len(p.Code) > 0 }

// GenVMResult carries the raw sidecar output for diagnostics (spec.md §3).
type GenVMResult struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ErrorCode string `json:"error_code,omitempty"`
	RawError  string `json:"raw_error,omitempty"`
}

// Receipt is one validator's output for one round (spec.md §3).
//
// ContractState is populated in memory for use by the vote-comparison
// rules (spec.md §4.3) but MUST be stripped to an empty map by the Effect
// Executor before any persisted copy is written (spec.md §3, "Storage
// discipline for receipts"; §9, "stripping happens only at the boundary").
type Receipt struct {
	Result           []byte            `json:"result"`
	ResultCode       ResultCode        `json:"result_code"`
	Calldata         []byte            `json:"calldata"`
	ExecutionResult  ExecutionResult   `json:"execution_result"`
	Vote             Vote              `json:"vote"`
	ContractState    map[string][]byte `json:"contract_state"`
	EqOutputs        map[int]string    `json:"eq_outputs,omitempty"`
	PendingTransactions []PendingTransaction `json:"pending_transactions,omitempty"`
	NodeConfig       NodeConfig        `json:"node_config"`
	NondetDisagree   *int              `json:"nondet_disagree,omitempty"`
	ProcessingTimeMS int64             `json:"processing_time_ms"`
	GenVMResult      *GenVMResult      `json:"genvm_result,omitempty"`
	Mode             ExecutionMode     `json:"mode"`
}

// NodeConfig identifies the validator that produced a Receipt and its
// execution-relevant configuration (LLM provider, etc).
type NodeConfig struct {
	Address  Address `json:"address"`
	Provider string  `json:"provider,omitempty"`
	Model    string  `json:"model,omitempty"`
}

// StripContractState returns a copy of the receipt with ContractState
// replaced by an empty, non-nil map — the only transformation the Effect
// Executor is allowed to perform on a Receipt before persisting it
// (spec.md §3, §9).
func (r Receipt) StripContractState() Receipt {
	stripped := r
	stripped.ContractState = map[string][]byte{}
	return stripped
}

// ConsensusData is the latest round's votes and receipts (spec.md §3).
type ConsensusData struct {
	Votes          map[Address]Vote `json:"votes"`
	LeaderReceipts []Receipt        `json:"leader_receipt"` // ordered: leader-phase, then validator-phase
	Validators     []Receipt        `json:"validators"`
}

// LeaderReceipt returns the leader-phase receipt, or the zero value and
// false if none has been recorded yet.
func (c *ConsensusData) LeaderReceipt() (Receipt, bool) {
	if c == nil || len(c.LeaderReceipts) == 0 {
		return Receipt{}, false
	}
	return c.LeaderReceipts[0], true
}
