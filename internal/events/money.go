package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an immutable amount in a single currency.
type Money struct {
	amount       decimal.Decimal
	currencyCode string
	precision    uint8
}

// NewMoney builds a Money value. Structural checks run in Validate, not here,
// so malformed wire input can still be decoded and reported field by field.
func NewMoney(amount decimal.Decimal, currencyCode string, precision uint8) Money {
	return Money{
		amount:       amount,
		currencyCode: strings.TrimSpace(currencyCode),
		precision:    precision,
	}
}

// MustMoney parses amount as a decimal and panics on malformed input.
func MustMoney(amount, currencyCode string, precision uint8) Money {
	return NewMoney(decimal.RequireFromString(amount), currencyCode, precision)
}

func (m Money) Amount() decimal.Decimal { return m.amount }
func (m Money) CurrencyCode() string    { return m.currencyCode }
func (m Money) Precision() uint8        { return m.precision }

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.amount.StringFixed(int32(m.precision)), m.currencyCode)
}

type moneyWire struct {
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currency_code"`
	Precision    uint8           `json:"precision"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyWire{
		Amount:       m.amount,
		CurrencyCode: m.currencyCode,
		Precision:    m.precision,
	})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var wire moneyWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode money: %w", err)
	}
	*m = NewMoney(wire.Amount, wire.CurrencyCode, wire.Precision)
	return nil
}
