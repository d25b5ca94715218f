package webhook

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/quantrelay/quantrelay/errors"
)

// Alert is the inbound webhook body. The raw JSON is preserved alongside the
// decoded form so deferred signals replay byte-identical payloads.
type Alert struct {
	Secret    string     `json:"secret"`
	AlertType string     `json:"alertType"`
	OrderLegs []OrderLeg `json:"order_legs"`
}

// OrderLeg is one buy/sell instruction within an alert. Numeric fields arrive
// as strings on the wire and are validated, not converted, at ingestion.
type OrderLeg struct {
	TransactionType string  `json:"transactionType"`
	OrderType       string  `json:"orderType"`
	Quantity        string  `json:"quantity"`
	Exchange        string  `json:"exchange"`
	Symbol          string  `json:"symbol"`
	Instrument      string  `json:"instrument"`
	ProductType     string  `json:"productType"`
	SortOrder       string  `json:"sort_order"`
	Price           string  `json:"price"`
	Meta            LegMeta `json:"meta"`
}

// LegMeta carries the strategy timestamps attached by the alerting platform.
type LegMeta struct {
	Interval string `json:"interval"`
	Time     string `json:"time"`
	Timenow  string `json:"timenow"`
}

const (
	TransactionBuy  = "B"
	TransactionSell = "S"
)

// Parse decodes raw webhook bytes into an Alert without validating it.
func Parse(body []byte) (*Alert, error) {
	var alert Alert
	if err := json.Unmarshal(body, &alert); err != nil {
		return nil, errors.MarkValidation(errors.Wrap(err, "malformed webhook body"))
	}
	return &alert, nil
}

// Validate checks structural requirements on the alert. Auth is checked
// separately and before this so a bad secret is never reported as a
// validation problem.
func (a *Alert) Validate() error {
	if a.AlertType == "" {
		return errors.MarkValidation(errors.New("alertType is required"))
	}
	if len(a.OrderLegs) == 0 {
		return errors.MarkValidation(errors.New("order_legs must be non-empty"))
	}
	for i := range a.OrderLegs {
		if err := a.OrderLegs[i].validate(); err != nil {
			return errors.WithDetailf(err, "leg index %d", i)
		}
	}
	return nil
}

func (l *OrderLeg) validate() error {
	if l.TransactionType != TransactionBuy && l.TransactionType != TransactionSell {
		return errors.MarkValidation(errors.Newf("transactionType must be %q or %q, got %q", TransactionBuy, TransactionSell, l.TransactionType))
	}
	if l.Symbol == "" {
		return errors.MarkValidation(errors.New("symbol is required"))
	}
	if l.Exchange == "" {
		return errors.MarkValidation(errors.New("exchange is required"))
	}
	if l.OrderType == "" {
		return errors.MarkValidation(errors.New("orderType is required"))
	}
	qty, err := l.QuantityInt()
	if err != nil {
		return err
	}
	if qty <= 0 {
		return errors.MarkValidation(errors.Newf("quantity must be positive, got %d", qty))
	}
	if l.SortOrder != "" {
		if _, err := strconv.Atoi(strings.TrimSpace(l.SortOrder)); err != nil {
			return errors.MarkValidation(errors.Newf("sort_order is not numeric: %q", l.SortOrder))
		}
	}
	if l.Price != "" {
		if _, err := strconv.ParseFloat(strings.TrimSpace(l.Price), 64); err != nil {
			return errors.MarkValidation(errors.Newf("price is not numeric: %q", l.Price))
		}
	}
	return nil
}

// QuantityInt parses the wire-form quantity string.
func (l *OrderLeg) QuantityInt() (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(l.Quantity))
	if err != nil {
		return 0, errors.MarkValidation(errors.Newf("quantity is not numeric: %q", l.Quantity))
	}
	return n, nil
}

// SortOrderInt parses sort_order, defaulting to 0 when absent.
func (l *OrderLeg) SortOrderInt() int {
	if l.SortOrder == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(l.SortOrder))
	if err != nil {
		return 0
	}
	return n
}

// PriceFloat parses the limit price, 0 meaning market.
func (l *OrderLeg) PriceFloat() float64 {
	if l.Price == "" {
		return 0
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(l.Price), 64)
	if err != nil {
		return 0
	}
	return p
}

// Redacted returns a copy safe for logging and durable storage of the raw
// body: the shared secret is blanked so it never lands in logs or the queue.
func (a *Alert) Redacted() Alert {
	clone := *a
	clone.Secret = ""
	return clone
}
