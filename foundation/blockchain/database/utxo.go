package database

// UTXO is one ledger entry: an output created by a transaction in the best
// chain and not yet spent by one.
type UTXO struct {
	OutPoint OutPoint `json:"outpoint"`
	Value    uint64   `json:"value"`
	Owner    string   `json:"owner"`
	Height   uint64   `json:"height"`
	Coinbase bool     `json:"coinbase"`
}

// UndoData holds what is needed to reverse exactly one block's effect on
// the ledger: the entries the block spent and the outpoints it created.
type UndoData struct {
	Spent   []UTXO     `json:"spent"`
	Created []OutPoint `json:"created"`
}
