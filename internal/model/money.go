package model

import (
	"errors"
	"fmt"
)

type Currency string

const (
	// KES amounts are stored in cents.
	KES Currency = "KES"
	// SAT amounts are whole satoshis.
	SAT Currency = "SAT"
)

// Money holds a magnitude in minor units (cents for fiat, satoshis for
// Bitcoin) plus its currency tag. Immutable after transaction creation.
type Money struct {
	Amount   int64    `json:"amount"`
	Currency Currency `json:"currency"`
}

func NewMoney(amount int64, currency Currency) Money {
	return Money{Amount: amount, Currency: currency}
}

func (m Money) Validate() error {
	if m.Amount < 0 {
		return errors.New("amount cannot be negative")
	}
	switch m.Currency {
	case KES, SAT:
		return nil
	}
	return fmt.Errorf("unknown currency %q", m.Currency)
}

func (m Money) IsZero() bool {
	return m.Amount == 0
}

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}
