package handler

import (
	"context"

	"github.com/hitoshi/apdelivery/internal/model"
)

type mockCoordinator struct {
	partitionCount   int
	runAllFunc       func(ctx context.Context, concurrencyLimit int) (model.CoordinatorResult, error)
	runPartitionFunc func(ctx context.Context, partitionKey int) (model.WorkerResult, error)
	reapFunc         func(ctx context.Context) (int, error)
}

func (m *mockCoordinator) PartitionCount() int { return m.partitionCount }

func (m *mockCoordinator) RunAll(ctx context.Context, concurrencyLimit int) (model.CoordinatorResult, error) {
	if m.runAllFunc != nil {
		return m.runAllFunc(ctx, concurrencyLimit)
	}
	return model.CoordinatorResult{}, nil
}

func (m *mockCoordinator) RunPartition(ctx context.Context, partitionKey int) (model.WorkerResult, error) {
	if m.runPartitionFunc != nil {
		return m.runPartitionFunc(ctx, partitionKey)
	}
	return model.WorkerResult{Partition: partitionKey}, nil
}

func (m *mockCoordinator) Reap(ctx context.Context) (int, error) {
	if m.reapFunc != nil {
		return m.reapFunc(ctx)
	}
	return 0, nil
}

type mockQueue struct {
	statsFunc   func(ctx context.Context, partitionCount int) ([]model.PartitionStats, error)
	batchesFunc func(ctx context.Context, activityRef string) (*model.BatchSummary, error)
	failedFunc  func(ctx context.Context, partitionKey, limit int) ([]*model.QueueItem, error)
}

func (m *mockQueue) StatsByPartition(ctx context.Context, partitionCount int) ([]model.PartitionStats, error) {
	if m.statsFunc != nil {
		return m.statsFunc(ctx, partitionCount)
	}
	return nil, nil
}

func (m *mockQueue) BatchesByActivity(ctx context.Context, activityRef string) (*model.BatchSummary, error) {
	if m.batchesFunc != nil {
		return m.batchesFunc(ctx, activityRef)
	}
	return nil, nil
}

func (m *mockQueue) ListFailed(ctx context.Context, partitionKey, limit int) ([]*model.QueueItem, error) {
	if m.failedFunc != nil {
		return m.failedFunc(ctx, partitionKey, limit)
	}
	return nil, nil
}

type mockModeration struct {
	rateLimitedFunc func(ctx context.Context, threshold, windowMinutes int) ([]model.HostRateWindow, error)
	setDomainFunc   func(ctx context.Context, host string, status model.ModerationStatus, reason string) (*model.ModerationRecord, error)
	setActorFunc    func(ctx context.Context, actorURL string, status model.ModerationStatus, reason string) (*model.ModerationRecord, error)
	deleteActorFunc func(ctx context.Context, actorURL string) (bool, error)
	listDomainsFunc func(ctx context.Context) ([]*model.ModerationRecord, error)
	listActorsFunc  func(ctx context.Context) ([]*model.ModerationRecord, error)
}

func (m *mockModeration) RateLimitedHosts(ctx context.Context, threshold, windowMinutes int) ([]model.HostRateWindow, error) {
	if m.rateLimitedFunc != nil {
		return m.rateLimitedFunc(ctx, threshold, windowMinutes)
	}
	return nil, nil
}

func (m *mockModeration) SetDomainModeration(ctx context.Context, host string, status model.ModerationStatus, reason string) (*model.ModerationRecord, error) {
	if m.setDomainFunc != nil {
		return m.setDomainFunc(ctx, host, status, reason)
	}
	return &model.ModerationRecord{Subject: host, Kind: model.SubjectHost, Status: status, Reason: reason}, nil
}

func (m *mockModeration) SetActorModeration(ctx context.Context, actorURL string, status model.ModerationStatus, reason string) (*model.ModerationRecord, error) {
	if m.setActorFunc != nil {
		return m.setActorFunc(ctx, actorURL, status, reason)
	}
	return &model.ModerationRecord{Subject: actorURL, Kind: model.SubjectActor, Status: status, Reason: reason}, nil
}

func (m *mockModeration) DeleteActorModeration(ctx context.Context, actorURL string) (bool, error) {
	if m.deleteActorFunc != nil {
		return m.deleteActorFunc(ctx, actorURL)
	}
	return true, nil
}

func (m *mockModeration) ListDomainModeration(ctx context.Context) ([]*model.ModerationRecord, error) {
	if m.listDomainsFunc != nil {
		return m.listDomainsFunc(ctx)
	}
	return nil, nil
}

func (m *mockModeration) ListActorModeration(ctx context.Context) ([]*model.ModerationRecord, error) {
	if m.listActorsFunc != nil {
		return m.listActorsFunc(ctx)
	}
	return nil, nil
}

type mockEnqueuer struct {
	fanoutFunc func(ctx context.Context, activity *model.Activity, recipients []model.Recipient) (*model.FanoutResult, error)
}

func (m *mockEnqueuer) Fanout(ctx context.Context, activity *model.Activity, recipients []model.Recipient) (*model.FanoutResult, error) {
	if m.fanoutFunc != nil {
		return m.fanoutFunc(ctx, activity, recipients)
	}
	return &model.FanoutResult{ActivityRef: activity.Ref, Recipients: len(recipients), Items: len(recipients)}, nil
}

type mockMigrator struct {
	migrateFunc func(ctx context.Context) (int, error)
}

func (m *mockMigrator) Migrate(ctx context.Context) (int, error) {
	if m.migrateFunc != nil {
		return m.migrateFunc(ctx)
	}
	return 0, nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }
