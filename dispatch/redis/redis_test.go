package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/querygate"
	dispatchredis "github.com/ineyio/querygate/dispatch/redis"
)

func setup(t *testing.T, opts ...dispatchredis.Option) (*miniredis.Miniredis, *dispatchredis.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return mr, dispatchredis.New(client, opts...)
}

func submission(identity querygate.Identity, sql string) querygate.Submission {
	q := querygate.Query{Kind: querygate.QuerySQLLab, SQL: sql}
	return querygate.Submission{
		RequestID:   "req",
		Identity:    identity,
		Query:       q,
		Fingerprint: querygate.FingerprintOf(q),
		Cost:        90,
	}
}

func TestSubmitAndNext(t *testing.T) {
	_, q := setup(t)
	ctx := context.Background()

	first, err := q.Submit(ctx, submission("a@example.com", "select 1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := q.Submit(ctx, submission("b@example.com", "select 2")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.Updates != nil {
		t.Fatal("expected poll-only handle")
	}

	job, ok, err := q.Next(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if job.Token != first.Token || job.Identity != "a@example.com" {
		t.Fatalf("expected FIFO delivery of first job, got %+v", job)
	}
	if job.State != querygate.JobRunning {
		t.Fatalf("expected running, got %s", job.State)
	}

	st, ok, err := q.Status(ctx, first.Token)
	if err != nil || !ok {
		t.Fatalf("status: ok=%v err=%v", ok, err)
	}
	if st.State != querygate.JobRunning || st.Cost != 90 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	_, q := setup(t, dispatchredis.WithMaxBacklog(2))
	ctx := context.Background()

	for range 2 {
		if _, err := q.Submit(ctx, submission("a@example.com", "select 1")); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	_, err := q.Submit(ctx, submission("a@example.com", "select 1"))
	if !errors.Is(err, querygate.ErrDispatchRejected) || !errors.Is(err, dispatchredis.ErrQueueFull) {
		t.Fatalf("expected queue full rejection, got %v", err)
	}

	n, err := q.Backlog(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected backlog 2, got %d (%v)", n, err)
	}
}

func TestSetStateAndStatus(t *testing.T) {
	_, q := setup(t)
	ctx := context.Background()

	h, _ := q.Submit(ctx, submission("a@example.com", "select 1"))
	if err := q.SetState(ctx, h.Token, querygate.JobFailed, "boom"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	st, ok, err := q.Status(ctx, h.Token)
	if err != nil || !ok {
		t.Fatalf("status: ok=%v err=%v", ok, err)
	}
	if st.State != querygate.JobFailed || st.Error != "boom" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestStatusForgottenAfterTTL(t *testing.T) {
	mr, q := setup(t, dispatchredis.WithStateTTL(time.Minute))
	ctx := context.Background()

	h, _ := q.Submit(ctx, submission("a@example.com", "select 1"))
	mr.FastForward(2 * time.Minute)

	if _, ok, err := q.Status(ctx, h.Token); ok || err != nil {
		t.Fatalf("expected unknown job, ok=%v err=%v", ok, err)
	}
}

func TestNextMarksStaleJobExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	_, q := setup(t, dispatchredis.WithStateTTL(time.Minute), dispatchredis.WithClock(clock))
	ctx := context.Background()

	if _, err := q.Submit(ctx, submission("a@example.com", "select 1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	now = now.Add(2 * time.Minute)

	job, ok, err := q.Next(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if job.State != querygate.JobExpired {
		t.Fatalf("expected expired, got %s", job.State)
	}
}

func TestSubmitStoreUnavailable(t *testing.T) {
	mr, q := setup(t)
	mr.Close()

	_, err := q.Submit(context.Background(), submission("a@example.com", "select 1"))
	if !errors.Is(err, querygate.ErrDispatchRejected) {
		t.Fatalf("expected dispatch rejection, got %v", err)
	}
}

func TestNextRequeuesWhenStateWriteFails(t *testing.T) {
	mr, q := setup(t)
	ctx := context.Background()

	h, err := q.Submit(ctx, submission("a@example.com", "select 1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	stateKey := "querygate:jobs:state:" + h.Token
	mr.Del(stateKey)
	if err := mr.Set(stateKey, "not a hash"); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, ok, err := q.Next(ctx, time.Second); err == nil || ok {
		t.Fatalf("expected state write failure, ok=%v err=%v", ok, err)
	}
	if n, err := q.Backlog(ctx); err != nil || n != 1 {
		t.Fatalf("expected the job back on the queue, backlog=%d err=%v", n, err)
	}
	if mr.Exists("querygate:jobs:processing") {
		t.Fatal("expected nothing left on the processing list")
	}

	mr.Del(stateKey)
	job, ok, err := q.Next(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if job.Token != h.Token {
		t.Fatalf("expected the requeued job, got %s", job.Token)
	}
	if mr.Exists("querygate:jobs:processing") {
		t.Fatal("expected the job to leave the processing list once running")
	}
}

func TestRecoverRestoresProcessingJobs(t *testing.T) {
	mr, q := setup(t)
	ctx := context.Background()

	first, _ := q.Submit(ctx, submission("a@example.com", "select 1"))
	second, _ := q.Submit(ctx, submission("b@example.com", "select 2"))

	// A worker took both jobs and died before recording their state.
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	for range 2 {
		if err := client.LMove(ctx, "querygate:jobs:queue", "querygate:jobs:processing", "RIGHT", "LEFT").Err(); err != nil {
			t.Fatalf("lmove: %v", err)
		}
	}

	n, err := q.Recover(ctx)
	if err != nil || n != 2 {
		t.Fatalf("recover: n=%d err=%v", n, err)
	}

	for _, want := range []string{first.Token, second.Token} {
		job, ok, err := q.Next(ctx, time.Second)
		if err != nil || !ok {
			t.Fatalf("next: ok=%v err=%v", ok, err)
		}
		if job.Token != want {
			t.Fatalf("expected FIFO order after recover, got %s want %s", job.Token, want)
		}
	}
}
