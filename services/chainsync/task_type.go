package chainsync

import "time"

// CheckTxHashPayload polls the chain for one pending entry.
type CheckTxHashPayload struct {
	TxHash        string `json:"tx_hash"`
	TransactionID string `json:"transaction_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
}

// CreateTransactionPayload carries a raw deposit observed on chain.
type CreateTransactionPayload struct {
	TxHash        string  `json:"tx_hash"`
	Address       string  `json:"address"`
	CurrencyCode  string  `json:"currency_code"`
	Amount        float64 `json:"amount"`
	TransactionID string  `json:"transaction_id,omitempty"`
	TraceID       string  `json:"trace_id,omitempty"`
}

// EnqueueOptions tune queue placement per submission.
type EnqueueOptions struct {
	Queue string
	Delay time.Duration
}
