package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func pass(ctx context.Context) Check {
	return Check{Status: StatusHealthy}
}

func fail(err error) CheckFunc {
	return func(ctx context.Context) Check {
		return Check{Status: StatusUnhealthy, Message: err.Error()}
	}
}

func TestAggregateIsWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("changelog", pass)
	c.Register("inventory", func(ctx context.Context) Check {
		return Check{Status: StatusDegraded, Message: "stale"}
	})

	report := c.Check(context.Background())
	if report.Status != StatusDegraded {
		t.Errorf("Status = %s, want degraded", report.Status)
	}

	c2 := NewChecker()
	c2.Register("changelog", fail(errors.New("db locked")))
	c2.Register("inventory", pass)
	if got := c2.Check(context.Background()).Status; got != StatusUnhealthy {
		t.Errorf("Status = %s, want unhealthy", got)
	}
}

func TestCheckNamesResults(t *testing.T) {
	c := NewChecker()
	c.Register("changelog", pass)

	report := c.Check(context.Background())
	res, ok := report.Checks["changelog"]
	if !ok {
		t.Fatal("changelog check missing from report")
	}
	if res.Name != "changelog" {
		t.Errorf("Name = %q, want changelog", res.Name)
	}
}

func TestEmptyCheckerIsHealthy(t *testing.T) {
	report := NewChecker().Check(context.Background())
	if report.Status != StatusHealthy {
		t.Errorf("Status = %s, want healthy", report.Status)
	}
}

func TestCacheSuppressesRepeatRuns(t *testing.T) {
	var runs atomic.Int32
	c := NewChecker()
	c.Register("counted", func(ctx context.Context) Check {
		runs.Add(1)
		return Check{Status: StatusHealthy}
	})

	c.Check(context.Background())
	c.Check(context.Background())
	if got := runs.Load(); got != 1 {
		t.Errorf("check ran %d times within cache TTL, want 1", got)
	}
}

func TestCacheExpires(t *testing.T) {
	var runs atomic.Int32
	c := NewChecker()
	c.cacheTTL = time.Millisecond
	c.Register("counted", func(ctx context.Context) Check {
		runs.Add(1)
		return Check{Status: StatusHealthy}
	})

	c.Check(context.Background())
	time.Sleep(5 * time.Millisecond)
	c.Check(context.Background())
	if got := runs.Load(); got != 2 {
		t.Errorf("check ran %d times across expired cache, want 2", got)
	}
}
