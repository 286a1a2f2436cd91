package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/procurement"
)

// LedgerClient submits supplier payments to the payment ledger service.
type LedgerClient struct {
	rest *restClient
}

// NewLedgerClient constructs the client.
func NewLedgerClient(cfg ClientConfig) (*LedgerClient, error) {
	rest, err := newRestClient(cfg)
	if err != nil {
		return nil, err
	}
	return &LedgerClient{rest: rest}, nil
}

type ledgerPayload struct {
	OrderID   int64           `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Method    string          `json:"method"`
	Reference string          `json:"reference"`
}

type ledgerReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ProcessPayment implements procurement.PaymentLedger. A 4xx with a ledger
// reply body is a rejection, not an error.
func (c *LedgerClient) ProcessPayment(ctx context.Context, req procurement.LedgerRequest) (procurement.LedgerResult, error) {
	var reply ledgerReply
	err := c.rest.do(ctx, http.MethodPost, "/payments", ledgerPayload{
		OrderID:   req.OrderID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Method:    string(req.Method),
		Reference: req.Reference,
	}, &reply)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code < 500 {
			if json.Unmarshal([]byte(statusErr.Body), &reply) == nil && reply.Message != "" {
				return procurement.LedgerResult{Success: false, Message: reply.Message}, nil
			}
		}
		return procurement.LedgerResult{}, err
	}
	return procurement.LedgerResult{Success: reply.Success, Message: reply.Message}, nil
}
