package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/vesaa/talonwatch/internal/models"
	mockprobe "github.com/vesaa/talonwatch/internal/probe/mock"
)

func sampleRecord(hostname string) models.MetricsRecord {
	return models.MetricsRecord{
		Hostname:  hostname,
		CPU:       12.5,
		Services:  models.Services{"nginx": {State: models.StateActive}},
		Timestamp: 1700000000000,
	}
}

func runUntilDone(t *testing.T, r *Runner, ctx context.Context) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_PublishesThenSaysGoodbye(t *testing.T) {
	ctrl := gomock.NewController(t)
	sampler := mockprobe.NewMockSampler(ctrl)
	pub := mockprobe.NewMockPublisher(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := sampleRecord("db-01")
	gomock.InOrder(
		sampler.EXPECT().Collect(gomock.Any()).Return(rec),
		pub.EXPECT().Publish(gomock.Any(), rec).DoAndReturn(func(context.Context, models.MetricsRecord) error {
			cancel()
			return nil
		}),
		pub.EXPECT().Goodbye(gomock.Any(), "db-01").Return(nil),
		pub.EXPECT().Close().Return(nil),
	)

	runUntilDone(t, NewRunner(pub, time.Hour, zap.NewNop(), sampler), ctx)
}

func TestRunner_NoGoodbyeForUnpublishedHost(t *testing.T) {
	ctrl := gomock.NewController(t)
	first := mockprobe.NewMockSampler(ctrl)
	second := mockprobe.NewMockSampler(ctrl)
	pub := mockprobe.NewMockPublisher(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first.EXPECT().Collect(gomock.Any()).Return(sampleRecord("voip-01"))
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, models.MetricsRecord) error {
		cancel()
		return errors.New("relay down")
	})
	// the failed publish ends the cycle; the second host is not sampled
	second.EXPECT().Collect(gomock.Any()).Times(0)
	pub.EXPECT().Close().Return(nil)

	runUntilDone(t, NewRunner(pub, time.Hour, zap.NewNop(), first, second), ctx)
}

func TestRunner_CancelledDuringSampleSkipsPublish(t *testing.T) {
	ctrl := gomock.NewController(t)
	sampler := mockprobe.NewMockSampler(ctrl)
	pub := mockprobe.NewMockPublisher(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler.EXPECT().Collect(gomock.Any()).DoAndReturn(func(context.Context) models.MetricsRecord {
		cancel()
		return sampleRecord("db-01")
	})
	pub.EXPECT().Close().Return(nil)

	runUntilDone(t, NewRunner(pub, time.Hour, zap.NewNop(), sampler), ctx)
}

func TestRunner_TicksAtInterval(t *testing.T) {
	ctrl := gomock.NewController(t)
	sampler := mockprobe.NewMockSampler(ctrl)
	pub := mockprobe.NewMockPublisher(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	sampler.EXPECT().Collect(gomock.Any()).Return(sampleRecord("db-01")).MinTimes(3)
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, models.MetricsRecord) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return nil
	}).MinTimes(3)
	pub.EXPECT().Goodbye(gomock.Any(), "db-01").Return(nil)
	pub.EXPECT().Close().Return(nil)

	runUntilDone(t, NewRunner(pub, 10*time.Millisecond, zap.NewNop(), sampler), ctx)
}
