package ledger

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

func (s *Service) nextCode(ctx context.Context) (string, error) {
	if s.seq != nil {
		return s.seq.NextTransactionCode(ctx)
	}
	return GenerateEntryCode()
}

// GenerateEntryCode is the fallback when no sequence generator is wired.
func GenerateEntryCode() (string, error) {
	datePart := time.Now().Format("20060102")

	r := make([]byte, 3)
	_, err := rand.Read(r)
	if err != nil {
		return "", err
	}
	randomPart := strings.ToUpper(fmt.Sprintf("%x", r))

	return fmt.Sprintf("%s-%s", datePart, randomPart), nil
}

// SumAmountUsdByCustomer aggregates USD volume per customer for one action
// inside [from, to). Customers with no matching entries are absent from the
// result.
func (s *Service) SumAmountUsdByCustomer(ctx context.Context, customerIDs []string, action Action, from, to time.Time) (map[string]float64, error) {
	if len(customerIDs) == 0 {
		return map[string]float64{}, nil
	}

	type row struct {
		CustomerID string
		Total      float64
	}

	var rows []row
	if err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Select("customer_id, COALESCE(SUM(amount_usd), 0) AS total").
		Where("customer_id IN ?", customerIDs).
		Where("action = ?", action).
		Where("created_at >= ? AND created_at < ?", from, to).
		Group("customer_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.CustomerID] = r.Total
	}
	return out, nil
}
