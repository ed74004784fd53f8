package stronpower

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// VendResult is the outcome of a token-issuing call. OK results carry a
// token value; failed results carry a reason.
type VendResult struct {
	OK         bool
	TokenValue string
	Units      *decimal.Decimal
	Raw        json.RawMessage
	Reason     string
}

// Failed builds a failed result.
func Failed(reason string, raw json.RawMessage) VendResult {
	return VendResult{Reason: reason, Raw: raw}
}

var (
	tokenKeys = []string{"Token", "token", "TokenNo", "TokenNo1"}
	unitKeys  = []string{"Total_unit", "total_unit", "Units", "units"}
)

// Normalize reduces a vendor response to a VendResult. The vendor answers
// with either an object or a one-element list of objects and names the
// token field differently across API versions.
func Normalize(raw json.RawMessage) VendResult {
	obj, ok := firstObject(raw)
	if !ok {
		return Failed("unexpected response shape from stronpower", raw)
	}

	token := firstString(obj, tokenKeys)
	if token == "" {
		reason := "token missing from stronpower response"
		if msg := firstString(obj, []string{"Message", "message", "Error", "error", "ErrorMessage"}); msg != "" {
			reason += ": " + msg
		}
		return Failed(reason, raw)
	}

	res := VendResult{OK: true, TokenValue: token, Raw: raw}
	if u := firstString(obj, unitKeys); u != "" {
		// an unparseable unit count is dropped, the token still stands
		if d, err := decimal.NewFromString(u); err == nil {
			res.Units = &d
		}
	}
	return res
}

func firstObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false
	}

	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil || len(list) == 0 {
			return nil, false
		}
		trimmed = bytes.TrimSpace(list[0])
	}

	var obj map[string]json.RawMessage
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// firstString returns the first alias holding a non-empty string or number.
func firstString(obj map[string]json.RawMessage, keys []string) string {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		if s := scalarString(v); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return ""
}
