package rediskey

import "fmt"

// Stake aggregate keys (global convention across services)
const (
	StakeCustomerPrefix = "stake:customer"
	StakeTermPrefix     = "stake:term"
	StakeHarvestPrefix  = "stake:harvest"
	StakeSystemKey      = "stake:system"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildStakeCustomerKey returns "stake:customer:{accountID}"
func BuildStakeCustomerKey(accountID string) string {
	return NamespaceKey(StakeCustomerPrefix, accountID)
}

// BuildStakeTermKey returns "stake:term:{termID}"
func BuildStakeTermKey(termID string) string {
	return NamespaceKey(StakeTermPrefix, termID)
}

// BuildStakeHarvestKey returns "stake:harvest:{accountID}"
func BuildStakeHarvestKey(accountID string) string {
	return NamespaceKey(StakeHarvestPrefix, accountID)
}
