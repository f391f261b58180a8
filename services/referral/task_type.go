package referral

// CommissionInvestPayload triggers the per-investment fan-out.
type CommissionInvestPayload struct {
	InvestmentID string `json:"investment_id"`
	TraceID      string `json:"trace_id,omitempty"`
}

// BonusOPParentPayload triggers the direct-sponsor bonus.
type BonusOPParentPayload struct {
	InvestmentID string `json:"investment_id"`
	TraceID      string `json:"trace_id,omitempty"`
}

// BonusMonthlyPayload triggers the monthly volume-bonus sweep.
type BonusMonthlyPayload struct {
	TraceID string `json:"trace_id,omitempty"`
}
