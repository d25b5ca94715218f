package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/quantrelay/quantrelay/logger"
)

// DryRunClient logs every order instead of calling the broker. It is the
// default client: live execution requires explicit opt-in plus credentials.
type DryRunClient struct {
	seq      atomic.Int64
	mu       sync.Mutex
	holdings []Holding
}

func NewDryRunClient() *DryRunClient {
	return &DryRunClient{}
}

// SetHoldings seeds simulated holdings so SELL pre-checks behave as they
// would against a live account.
func (c *DryRunClient) SetHoldings(holdings []Holding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdings = holdings
}

func (c *DryRunClient) PlaceOrder(ctx context.Context, order Order) (*OrderResult, error) {
	id := fmt.Sprintf("DRY-%06d", c.seq.Add(1))
	logger.Infow("dry run: order not sent to broker",
		logger.FieldOrderID, id,
		logger.FieldSymbol, order.Symbol,
		logger.FieldExchange, order.Exchange,
		"transaction_type", order.TransactionType,
		"quantity", order.Quantity,
		"amo", order.AMO)
	return &OrderResult{OrderID: id, Status: "simulated", Message: "dry run"}, nil
}

func (c *DryRunClient) CancelOrder(ctx context.Context, orderID string) error {
	logger.Infow("dry run: cancel not sent to broker", logger.FieldOrderID, orderID)
	return nil
}

func (c *DryRunClient) Holdings(ctx context.Context) ([]Holding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Holding, len(c.holdings))
	copy(out, c.holdings)
	return out, nil
}

func (c *DryRunClient) Positions(ctx context.Context) ([]Position, error) {
	return nil, nil
}

func (c *DryRunClient) ValidateCredential(ctx context.Context) error {
	return nil
}
