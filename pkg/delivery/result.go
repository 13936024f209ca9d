// Package delivery sends messages and documents through the bridge and
// classifies every attempt as confirmed, unconfirmed or failed.
package delivery

import (
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/pkg/breaker"
)

// Status is the tri-state delivery outcome.
type Status string

const (
	StatusSentConfirmed Status = "SENT_CONFIRMED"
	StatusUnconfirmed   Status = "UNCONFIRMED"
	StatusFailed        Status = "FAILED"
)

// Error codes carried by non-confirmed results. Transport failures may carry
// a native code instead (ETIMEDOUT, ECONNREFUSED, ECONNRESET, ENOTFOUND).
const (
	CodeInvalidPhone      = "INVALID_PHONE"
	CodeCircuitOpen       = "CIRCUIT_OPEN"
	CodeBridgeRejected    = "BRIDGE_REJECTED"
	CodeBridgeUnavailable = "BRIDGE_UNAVAILABLE"
	CodeUnconfirmedSend   = "UNCONFIRMED_SEND"
	CodeInternal          = "INTERNAL_ERROR"
)

// Result describes one send attempt. DeliveryStatus is SENT_CONFIRMED exactly
// when ProviderMessageID is non-empty.
type Result struct {
	Success           bool              `json:"success"`
	DeliveryStatus    Status            `json:"deliveryStatus"`
	BridgeAccepted    bool              `json:"bridgeAccepted"`
	ProviderMessageID string            `json:"providerMessageId,omitempty"`
	ErrorCode         string            `json:"errorCode,omitempty"`
	Error             string            `json:"error,omitempty"`
	StatusCode        int               `json:"statusCode,omitempty"`
	Phone             string            `json:"phone,omitempty"`
	Breaker           *breaker.Snapshot `json:"breaker,omitempty"`
}

// Confirmed reports whether the provider proved the message entered delivery.
func (r Result) Confirmed() bool {
	return r.DeliveryStatus == StatusSentConfirmed
}

// confirmed carries no StatusCode; the field only explains failures.
func confirmed(phone, id string) Result {
	return Result{
		Success:           true,
		DeliveryStatus:    StatusSentConfirmed,
		BridgeAccepted:    true,
		ProviderMessageID: id,
		Phone:             phone,
	}
}

func unconfirmed(phone string, statusCode int) Result {
	return Result{
		DeliveryStatus: StatusUnconfirmed,
		BridgeAccepted: true,
		ErrorCode:      CodeUnconfirmedSend,
		Error:          "bridge accepted the send but returned no provider message id",
		StatusCode:     statusCode,
		Phone:          phone,
	}
}

func failed(phone, code, msg string, statusCode int) Result {
	return Result{
		DeliveryStatus: StatusFailed,
		ErrorCode:      code,
		Error:          msg,
		StatusCode:     statusCode,
		Phone:          phone,
	}
}
