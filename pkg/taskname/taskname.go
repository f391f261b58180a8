package taskname

const (
	// Chain tasks
	ChainConfirm     = "chain:confirm"
	ChainCreateEntry = "chain:create_entry"

	// Referral tasks
	ReferralCommissionInvest = "referral:commission:invest"
	ReferralBonusOPParent    = "referral:bonus:op_parent"
	ReferralBonusMonthly     = "referral:bonus:monthly"
)
