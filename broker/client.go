// Package broker consumes the order-placement contract of the downstream
// trading API. Only the contract is owned here; symbol-to-security-id
// resolution and other wire-level mappings belong to the broker.
package broker

import (
	"context"
)

// Order is one placement request derived from a webhook leg.
type Order struct {
	Symbol          string  `json:"symbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	ProductType     string  `json:"product_type"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price"`
	AMO             bool    `json:"amo"`
}

// OrderResult is the broker's acknowledgement of a placement.
type OrderResult struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Holding is a settled position available to sell.
type Holding struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Quantity int    `json:"quantity"`
}

// Position is an open intraday/derivative position.
type Position struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	NetQty   int    `json:"net_qty"`
}

// Client is the broker contract consumed by the dispatcher. Implementations
// map transport and broker-side failures onto the transient/terminal error
// taxonomy so the resilience layer can branch on kind.
type Client interface {
	// PlaceOrder submits one order and returns the broker acknowledgement.
	PlaceOrder(ctx context.Context, order Order) (*OrderResult, error)

	// CancelOrder cancels a previously placed order by broker order id.
	CancelOrder(ctx context.Context, orderID string) error

	// Holdings returns settled holdings for SELL pre-checks.
	Holdings(ctx context.Context) ([]Holding, error)

	// Positions returns open positions.
	Positions(ctx context.Context) ([]Position, error)

	// ValidateCredential probes whether the configured credential is
	// currently usable. Drives the /ready readiness check.
	ValidateCredential(ctx context.Context) error
}
