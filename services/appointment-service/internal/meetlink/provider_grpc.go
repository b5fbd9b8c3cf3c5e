//go:build protogen

package meetlink

import (
	"context"
	"time"

	"github.com/skinalyze/consult/libs/grpcx"
	meetingv1 "github.com/skinalyze/consult/protos/gen/meeting/v1"
	"google.golang.org/protobuf/types/known/timestamppb"
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

type grpcProvider struct {
	client meetingv1.MeetingServiceClient
}

func NewProvider(addr string) (Provider, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := grpcx.Dial(context.Background(), addr, grpcx.DialOptions{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	return &grpcProvider{client: meetingv1.NewMeetingServiceClient(conn)}, nil
}

func (p *grpcProvider) CreateMeeting(ctx context.Context, appointmentID string, start, end time.Time) (Meeting, error) {
	resp, err := p.client.CreateMeeting(ctx, &meetingv1.CreateMeetingRequest{
		ExternalRef: appointmentID,
		StartTime:   timestamppb.New(start),
		EndTime:     timestamppb.New(end),
	})
	if err != nil {
		return Meeting{}, err
	}
	m := Meeting{URL: resp.GetJoinUrl()}
	if resp.GetExpiresAt() != nil {
		m.ExpiresAt = resp.GetExpiresAt().AsTime()
	}
	return m, nil
}
