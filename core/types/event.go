package types

// Event represents a typed event emitted during state transitions. Attributes
// carry the affected external key, vault and tokens so off-chain monitoring can
// reconstruct conversion history without re-reading engine storage.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
