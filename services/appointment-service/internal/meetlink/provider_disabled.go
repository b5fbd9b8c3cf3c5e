//go:build !protogen

package meetlink

import (
	"context"
	"time"
)

// Meeting is a provisioned video room for one consultation.
type Meeting struct {
	URL       string
	ExpiresAt time.Time
}

// Provider provisions video rooms with the conferencing service.
type Provider interface {
	CreateMeeting(ctx context.Context, appointmentID string, start, end time.Time) (Meeting, error)
}

func NewProvider(_ string) (Provider, error) {
	return nil, nil
}
