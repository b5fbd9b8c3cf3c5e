package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "AVAILABLE"
	SlotBooked    SlotStatus = "BOOKED"
)

type Slot struct {
	ID              string
	DermatologistID string
	StartTime       time.Time
	EndTime         time.Time
	Price           decimal.Decimal
	Status          SlotStatus
	AppointmentID   *string
}
