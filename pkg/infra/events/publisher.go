package events

import (
	"context"

	"github.com/dtg-labs/shieldgate/pkg/domain/risk"
)

//go:generate mockery --name=Publisher --dir=. --output=./mocks --filename=publisher_mock.go --case=underscore --with-expecter

// Publisher delivers security events to an external stream. Publishing is
// best-effort and never sits on the request path; callers spawn it.
type Publisher interface {
	Publish(ctx context.Context, evt *risk.SecurityEvent) error
	Close()
}

type noopPublisher struct{}

// NewNoopPublisher is the default when the event stream is disabled.
func NewNoopPublisher() Publisher {
	return &noopPublisher{}
}

func (noopPublisher) Publish(context.Context, *risk.SecurityEvent) error { return nil }

func (noopPublisher) Close() {}
