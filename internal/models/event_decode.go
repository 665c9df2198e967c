package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// UnmarshalJSON decodes an event leniently. Amount and timestamp may be numbers or
// numeric strings, fractional epoch seconds are truncated, and any field that cannot
// be parsed is left at its zero value and named in Malformed.
func (e *PaymentEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount     json.RawMessage `json:"amount"`
		Timestamp  json.RawMessage `json:"timestamp"`
		PayerID    json.RawMessage `json:"payer_id"`
		ProviderID json.RawMessage `json:"provider_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = PaymentEvent{}
	var ok bool
	if e.Amount, ok = parseAmount(raw.Amount); !ok {
		e.Malformed = append(e.Malformed, "amount")
	}
	if e.Timestamp, ok = parseEpochSeconds(raw.Timestamp); !ok {
		e.Malformed = append(e.Malformed, "timestamp")
	}
	if e.PayerID, ok = scalarText(raw.PayerID); !ok {
		e.Malformed = append(e.Malformed, "payer_id")
	}
	if e.ProviderID, ok = scalarText(raw.ProviderID); !ok {
		e.Malformed = append(e.Malformed, "provider_id")
	}
	return nil
}

// scalarText returns the text of a JSON string or number. Missing and null give "".
func scalarText(raw json.RawMessage) (string, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return "", true
	}
	switch c := s[0]; {
	case c == '"':
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", false
		}
		return v, true
	case c == '-' || (c >= '0' && c <= '9'):
		return s, true
	default:
		return "", false
	}
}

func parseAmount(raw json.RawMessage) (decimal.Decimal, bool) {
	text, ok := scalarText(raw)
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		return decimal.Zero, ok
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func parseEpochSeconds(raw json.RawMessage) (int64, bool) {
	text, ok := scalarText(raw)
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		return 0, ok
	}
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) >= math.MaxInt64 {
		return 0, false
	}
	return int64(math.Trunc(f)), true
}
