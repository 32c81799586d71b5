package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ResultCodeSuccess is the result code the gateway sends for a settled payment.
const ResultCodeSuccess = "0"

// Code accepts both JSON numbers and strings; the gateway uses each in different places.
type Code string

func (c *Code) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = Code(n.String())
	return nil
}

// Outcome is the settled result of a push: Succeeded or Declined from the gateway.
type Outcome interface {
	ResultCode() string
}

type Succeeded struct {
	ReceiptNumber   string
	Amount          decimal.Decimal
	Phone           string
	TransactionDate string
}

type Declined struct {
	Code        string
	Description string
}

func (Succeeded) ResultCode() string { return ResultCodeSuccess }
func (d Declined) ResultCode() string { return d.Code }

// Callback is a decoded asynchronous result notification.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	Outcome           Outcome
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        Code   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

var ErrMalformedCallback = errors.New("malformed callback payload")

// ParseCallback decodes the gateway's callback body.
func ParseCallback(body []byte) (*Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	stk := env.Body.StkCallback
	if stk == nil || stk.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing stkCallback.CheckoutRequestID", ErrMalformedCallback)
	}
	if strings.TrimSpace(string(stk.ResultCode)) == "" {
		return nil, fmt.Errorf("%w: missing stkCallback.ResultCode", ErrMalformedCallback)
	}

	cb := &Callback{
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        string(stk.ResultCode),
		ResultDesc:        stk.ResultDesc,
	}

	if cb.ResultCode != ResultCodeSuccess {
		cb.Outcome = Declined{Code: cb.ResultCode, Description: stk.ResultDesc}
		return cb, nil
	}

	var s Succeeded
	for _, item := range stk.CallbackMetadata.Item {
		value := rawValue(item.Value)
		switch item.Name {
		case "MpesaReceiptNumber":
			s.ReceiptNumber = value
		case "Amount":
			if amount, err := decimal.NewFromString(value); err == nil {
				s.Amount = amount
			}
		case "PhoneNumber":
			s.Phone = value
		case "TransactionDate":
			s.TransactionDate = value
		}
	}
	cb.Outcome = s
	return cb, nil
}

func rawValue(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return strings.TrimSpace(string(raw))
}
