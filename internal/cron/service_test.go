package cron

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/angelmondragon/recurpay-backend/pkg/logger"
	"github.com/angelmondragon/recurpay-backend/pkg/redis"
)

type fakeLock struct {
	available bool
	released  int
}

func (f *fakeLock) Acquire(ctx context.Context) (bool, error) {
	return f.available, nil
}

func (f *fakeLock) Release(ctx context.Context) error {
	f.released++
	return nil
}

type countingJob struct {
	name string
	runs int
	err  error
}

func (c *countingJob) Name() string { return c.name }

func (c *countingJob) Run(ctx context.Context) error {
	c.runs++
	return c.err
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{Level: zerolog.Disabled, Output: io.Discard})
}

func TestServiceRunCycleRunsJobsUnderLock(t *testing.T) {
	lock := &fakeLock{available: true}
	first := &countingJob{name: "first"}
	second := &countingJob{name: "second", err: errors.New("boom")}
	third := &countingJob{name: "third"}

	service, err := NewService(ServiceParams{
		Logger:   testLogger(),
		Registry: NewRegistry(first, second, third),
		Lock:     lock,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if err := service.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	// One job failing must not stop the remaining jobs.
	if first.runs != 1 || second.runs != 1 || third.runs != 1 {
		t.Fatalf("expected every job to run once, got %d/%d/%d", first.runs, second.runs, third.runs)
	}
	if lock.released != 1 {
		t.Fatalf("expected lock released once, got %d", lock.released)
	}
}

func TestServiceRunCycleSkipsWhenLockHeld(t *testing.T) {
	lock := &fakeLock{available: false}
	job := &countingJob{name: "first"}

	service, err := NewService(ServiceParams{
		Logger:   testLogger(),
		Registry: NewRegistry(job),
		Lock:     lock,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if err := service.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("expected no runs while lock is held elsewhere, got %d", job.runs)
	}
	if lock.released != 0 {
		t.Fatalf("must not release a lock it does not own")
	}
}

func TestServiceRejectsInvalidSchedule(t *testing.T) {
	_, err := NewService(ServiceParams{
		Logger:   testLogger(),
		Lock:     &fakeLock{},
		Schedule: "every day at six",
	})
	if err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}

func TestRedisLockMutualExclusion(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewFromAddr(server.Addr())
	key := client.LockKey("billing-batch")

	first, err := NewRedisLock(client, key, 0)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	second, err := NewRedisLock(client, key, 0)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}

	ok, err := first.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = second.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("second instance must not acquire a held lock")
	}

	if err := first.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = second.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}

	// The original holder must not free a lock now owned elsewhere.
	if err := first.Release(context.Background()); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	ok, err = first.Acquire(context.Background())
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if ok {
		t.Fatalf("lock owned by the second instance must stay held")
	}
}
