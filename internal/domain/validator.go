package domain

// Validator is a configured node identity that can execute a transaction
// and cast a vote (spec.md §3, GLOSSARY). Stake is a weight hint only;
// selection defaults to uniform sampling (spec.md §4.2).
type Validator struct {
	Address          Address `json:"address"`
	DID              string  `json:"did,omitempty"` // did:key identifier derived from the validator's public key, optional
	Stake            uint64  `json:"stake"`
	LLMProvider      string  `json:"llm_provider"`
	LLMModel         string  `json:"llm_model"`
	PrivateKeyCipher []byte  `json:"-"` // never serialized to logs or JSON-RPC responses
}

// NodeConfig projects the fields of a Validator relevant to a Receipt's
// NodeConfig (spec.md §3).
func (v Validator) NodeConfigFor() NodeConfig {
	return NodeConfig{Address: v.Address, Provider: v.LLMProvider, Model: v.LLMModel}
}
