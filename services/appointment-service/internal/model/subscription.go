package model

import "time"

type SubscriptionStatus string

const (
	SubscriptionActive  SubscriptionStatus = "ACTIVE"
	SubscriptionExpired SubscriptionStatus = "EXPIRED"
)

// CustomerSubscription is a pre-purchased pack of consultation sessions.
// SessionsRemaining only moves through the session-pool repository's atomic
// consume/refund updates.
type CustomerSubscription struct {
	ID                string
	CustomerID        string
	PlanID            string
	TotalSessions     int
	SessionsRemaining int
	Status            SubscriptionStatus
	ExpiresAt         *time.Time
}
