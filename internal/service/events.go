package service

import (
	"context"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
)

// EventPublisher 托管领域事件发布
type EventPublisher interface {
	PublishProjectRegistered(ctx context.Context, event *model.ProjectRegisteredEvent) error
	PublishMilestoneFunded(ctx context.Context, event *model.MilestoneFundedEvent) error
	PublishMilestoneReleased(ctx context.Context, event *model.MilestoneReleasedEvent) error
	PublishDisputeRaised(ctx context.Context, event *model.DisputeRaisedEvent) error
}

// NoopPublisher 不发送任何事件
type NoopPublisher struct{}

func (NoopPublisher) PublishProjectRegistered(context.Context, *model.ProjectRegisteredEvent) error {
	return nil
}

func (NoopPublisher) PublishMilestoneFunded(context.Context, *model.MilestoneFundedEvent) error {
	return nil
}

func (NoopPublisher) PublishMilestoneReleased(context.Context, *model.MilestoneReleasedEvent) error {
	return nil
}

func (NoopPublisher) PublishDisputeRaised(context.Context, *model.DisputeRaisedEvent) error {
	return nil
}
