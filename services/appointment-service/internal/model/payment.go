package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentExpired   PaymentStatus = "EXPIRED"
	PaymentFailed    PaymentStatus = "FAILED"
)

type PaymentType string

const (
	PaymentTypeBooking PaymentType = "BOOKING"
	PaymentTypePayout  PaymentType = "PAYOUT"
)

type PaymentMethod string

const (
	MethodBanking PaymentMethod = "BANKING"
	MethodWallet  PaymentMethod = "WALLET"
	MethodGateway PaymentMethod = "GATEWAY"
)

type Payment struct {
	ID         string
	Code       string
	Type       PaymentType
	Method     PaymentMethod
	Status     PaymentStatus
	Amount     decimal.Decimal
	UserID     string
	CustomerID string
	// TransferContent carries the appointment id on payout records.
	TransferContent string
	// GatewayIntentID is set when a payment-gateway intent backs the pending
	// payment (empty for plain bank-transfer codes).
	GatewayIntentID string
	ExpiresAt       *time.Time
	PaidAt          *time.Time
	CreatedAt       time.Time
}

// BankingInfo is the display-only transfer metadata returned with a pending
// reservation so the customer can complete a manual bank transfer.
type BankingInfo struct {
	BankName      string
	AccountNumber string
	AccountName   string
	Amount        decimal.Decimal
	QRCodeURL     string
}
