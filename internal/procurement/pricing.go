package procurement

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/procurement/progress"
)

var hundred = decimal.NewFromInt(100)

// SuggestSellingPrice applies a percentage markup to a cost price.
func SuggestSellingPrice(cost, markupPercent decimal.Decimal) decimal.Decimal {
	return cost.Mul(decimal.NewFromInt(1).Add(markupPercent.Div(hundred))).Round(2)
}

// SuggestPricing proposes cost and selling prices for every line that still
// has units to receive, using the configured default markup.
func (s *Service) SuggestPricing(ctx context.Context, orderID int64) (map[int64]progress.Pricing, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]progress.Pricing, len(order.Items))
	for _, item := range order.Items {
		if item.Remaining() == 0 {
			continue
		}
		selling := SuggestSellingPrice(item.CostPrice, s.cfg.DefaultMarkup)
		if item.SellingPrice.Valid {
			selling = item.SellingPrice.Decimal
		}
		out[item.ID] = progress.Pricing{CostPrice: item.CostPrice, SellingPrice: selling}
	}
	return out, nil
}
