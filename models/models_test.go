package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserID(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want UserID
	}{
		{"string", "u-42", "u-42"},
		{"trimmed", "  77 ", "77"},
		{"int", 77, "77"},
		{"int64", int64(9007199254740993), "9007199254740993"},
		{"uint64", uint64(5), "5"},
		{"json number", json.Number("123"), "123"},
		{"float from json", float64(88), "88"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUserID(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseUserID_Rejects(t *testing.T) {
	for _, in := range []any{"", "   ", "a b", "tab\tid", 1.5, []byte("x"), nil} {
		_, err := ParseUserID(in)
		assert.ErrorIs(t, err, ErrInvalidUserID, "input %#v", in)
	}
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency(" b ")
	require.NoError(t, err)
	assert.Equal(t, CurrencyB, c)

	_, err = ParseCurrency("usd")
	assert.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestDefaultCommissionSchedule(t *testing.T) {
	s := DefaultCommissionSchedule()
	assert.Equal(t, 20, s.MaxLevel())

	r1, ok := s.Rate(1)
	require.True(t, ok)
	assert.True(t, r1.Equal(decimal.NewFromInt(1)))

	r3, ok := s.Rate(3)
	require.True(t, ok)
	assert.True(t, r3.Equal(decimal.RequireFromString("0.03")))

	r20, ok := s.Rate(20)
	require.True(t, ok)
	assert.True(t, r20.Equal(decimal.RequireFromString("0.2")))

	_, ok = s.Rate(21)
	assert.False(t, ok)
	_, ok = s.Rate(0)
	assert.False(t, ok)
}

func TestUserBalanceAccessors(t *testing.T) {
	u := &User{ID: "1"}
	u.SetBalance(CurrencyB, decimal.NewFromInt(3))
	assert.True(t, u.Balance(CurrencyB).Equal(decimal.NewFromInt(3)))
	assert.True(t, u.Balance(CurrencyA).IsZero())
}
