package payments

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Field aliases, most specific first. Daraja C2B, STK push and the older
// aggregator callbacks each name the same values differently.
var (
	transactionIDKeys = []string{"TransID", "TransactionID", "CheckoutRequestID"}
	amountKeys        = []string{"TransAmount", "Amount"}
	paybillKeys       = []string{"BusinessShortCode", "ShortCode", "ReceiverPartyPublicName"}
	accountKeys       = []string{"BillRefNumber", "AccountReference", "AccountNumber"}
	phoneKeys         = []string{"MSISDN", "CustomerMSISDN", "PhoneNumber"}
)

// Fields are the normalized values of a payment callback.
type Fields struct {
	TransactionID string
	// Amount is left raw (string or json.Number) for money.Parse.
	Amount        interface{}
	Paybill       string
	AccountNumber string
	Phone         string
}

// Complete reports whether every required field is present.
func (f Fields) Complete() bool {
	return f.TransactionID != "" && f.Paybill != "" && f.AccountNumber != "" && f.Phone != "" && f.Amount != nil
}

// ParsePayload decodes a callback body and extracts its fields. Numbers are
// kept as json.Number so shortcodes and MSISDNs survive untouched.
func ParsePayload(body []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return Fields{}, err
	}
	return ExtractFields(raw), nil
}

// ExtractFields picks the first non-empty alias of each field.
func ExtractFields(raw map[string]interface{}) Fields {
	f := Fields{
		TransactionID: firstString(raw, transactionIDKeys),
		Paybill:       firstString(raw, paybillKeys),
		AccountNumber: firstString(raw, accountKeys),
		Phone:         firstString(raw, phoneKeys),
	}
	for _, key := range amountKeys {
		switch v := raw[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				f.Amount = v
			}
		case json.Number, float64:
			f.Amount = v
		}
		if f.Amount != nil {
			break
		}
	}
	return f
}

func firstString(raw map[string]interface{}, keys []string) string {
	for _, key := range keys {
		if s := stringValue(raw[key]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
