package integration

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-procure/internal/procurement"
)

// QualityClient reads quality-check summaries. Concurrent lookups for the
// same order share one request.
type QualityClient struct {
	rest  *restClient
	group singleflight.Group
}

// NewQualityClient constructs the client.
func NewQualityClient(cfg ClientConfig) (*QualityClient, error) {
	rest, err := newRestClient(cfg)
	if err != nil {
		return nil, err
	}
	return &QualityClient{rest: rest}, nil
}

// Summary implements procurement.QualityGate.
func (c *QualityClient) Summary(ctx context.Context, orderID int64) (procurement.QualitySummary, error) {
	key := strconv.FormatInt(orderID, 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		var summary procurement.QualitySummary
		if err := c.rest.do(ctx, http.MethodGet, fmt.Sprintf("/orders/%d/summary", orderID), nil, &summary); err != nil {
			return procurement.QualitySummary{}, err
		}
		return summary, nil
	})
	if err != nil {
		return procurement.QualitySummary{}, err
	}
	return v.(procurement.QualitySummary), nil
}
