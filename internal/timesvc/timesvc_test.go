package timesvc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClockMonitorOpensAndClosesGate(t *testing.T) {
	sampler := &fakeSamplerPtr{offset: 10 * time.Millisecond}
	m := NewClockMonitor(ClockMonitorOptions{
		Sampler:                sampler,
		Tolerance:               100 * time.Millisecond,
		MaxConsecutiveFailures: 3,
	})
	m.SampleOnce(context.Background())
	if !m.Trusted() {
		t.Fatal("expected gate open within tolerance")
	}

	sampler.offset = 500 * time.Millisecond
	m.SampleOnce(context.Background())
	if m.Trusted() {
		t.Fatal("expected gate closed outside tolerance")
	}

	sampler.offset = 10 * time.Millisecond
	m.SampleOnce(context.Background())
	if !m.Trusted() {
		t.Fatal("expected gate reopened after resync")
	}
}

func TestClockMonitorClosesAfterConsecutiveFailures(t *testing.T) {
	sampler := &fakeSamplerPtr{err: errors.New("timeout")}
	m := NewClockMonitor(ClockMonitorOptions{
		Sampler:                sampler,
		Tolerance:               time.Second,
		MaxConsecutiveFailures: 2,
	})
	m.SampleOnce(context.Background())
	if !m.Trusted() {
		t.Fatal("single failure should not close the gate")
	}
	m.SampleOnce(context.Background())
	if m.Trusted() {
		t.Fatal("expected gate closed after max consecutive failures")
	}
}

func TestStampRejectsWhenGateClosed(t *testing.T) {
	sampler := &fakeSamplerPtr{err: errors.New("down")}
	m := NewClockMonitor(ClockMonitorOptions{Sampler: sampler, Tolerance: time.Second, MaxConsecutiveFailures: 1})
	m.SampleOnce(context.Background())
	svc := New(1, m)
	if _, _, err := svc.Stamp(); !errors.Is(err, ErrClockOutOfTolerance) {
		t.Fatalf("expected ErrClockOutOfTolerance, got %v", err)
	}
}

func TestStampIssuesIncreasingTimes(t *testing.T) {
	sampler := &fakeSamplerPtr{offset: 0}
	m := NewClockMonitor(ClockMonitorOptions{Sampler: sampler, Tolerance: time.Second, MaxConsecutiveFailures: 5})
	m.SampleOnce(context.Background())
	svc := New(7, m)
	first, _, err := svc.Stamp()
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}
	second, _, err := svc.Stamp()
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}
	if !first.Less(second) {
		t.Fatalf("expected strictly increasing times, got %v then %v", first, second)
	}
	if first.InstanceID() != 7 || second.InstanceID() != 7 {
		t.Fatalf("expected instance id 7 embedded in both times")
	}
}

type fakeSamplerPtr struct {
	offset time.Duration
	err    error
}

func (f *fakeSamplerPtr) Offset(ctx context.Context) (time.Duration, error) { return f.offset, f.err }
