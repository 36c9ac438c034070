package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	ErrInvalidUserID   = errors.New("invalid user id")
	ErrUnknownCurrency = errors.New("unknown currency")
)

// UserID identifies a ledger user. Upstream systems hand us numeric and
// string ids interchangeably; ParseUserID folds them into one form.
type UserID string

func (id UserID) String() string { return string(id) }

// ParseUserID normalizes the representations seen at the edges (JSON numbers,
// integers, strings) into a UserID.
func ParseUserID(v any) (UserID, error) {
	var raw string
	switch t := v.(type) {
	case UserID:
		raw = string(t)
	case string:
		raw = t
	case json.Number:
		raw = t.String()
	case int:
		raw = strconv.Itoa(t)
	case int64:
		raw = strconv.FormatInt(t, 10)
	case uint64:
		raw = strconv.FormatUint(t, 10)
	case float64:
		// JSON decoding into any yields float64 for numbers
		if t != float64(int64(t)) {
			return "", fmt.Errorf("%w: %v is not an integer", ErrInvalidUserID, t)
		}
		raw = strconv.FormatInt(int64(t), 10)
	default:
		return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidUserID, v)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(raw) > 64 {
		return "", fmt.Errorf("%w: longer than 64 bytes", ErrInvalidUserID)
	}
	for _, r := range raw {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidUserID, raw)
		}
	}
	return UserID(raw), nil
}

// Currency is one of the two independently tracked balances.
type Currency string

const (
	CurrencyA Currency = "A"
	CurrencyB Currency = "B"
)

// Currencies lists every supported currency in a stable order.
var Currencies = []Currency{CurrencyA, CurrencyB}

func (c Currency) Valid() bool {
	return c == CurrencyA || c == CurrencyB
}

func ParseCurrency(s string) (Currency, error) {
	c := Currency(cases.Upper(language.Und).String(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
	return c, nil
}
