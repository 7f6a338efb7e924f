package credentials

import (
	"context"
	"testing"
	"time"
)

type stubProvider struct {
	calls int
	creds Credentials
	err   error
}

func (s *stubProvider) Credentials(context.Context) (Credentials, error) {
	s.calls++
	return s.creds, s.err
}

func TestAutoRefreshingCachesUntilNearExpiry(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stub := &stubProvider{creds: Credentials{Access: "a", Expiry: base.Add(time.Minute)}}
	ar := NewAutoRefreshing(stub)
	clock := base
	ar.now = func() time.Time { return clock }

	c1, err := ar.Credentials(context.Background())
	if err != nil || c1.Access != "a" || stub.calls != 1 {
		t.Fatalf("first fetch: %+v err=%v calls=%d", c1, err, stub.calls)
	}

	c2, err := ar.Credentials(context.Background())
	if err != nil || stub.calls != 1 {
		t.Fatalf("expected cache hit, got calls=%d err=%v", stub.calls, err)
	}
	if c2.Access != "a" {
		t.Fatalf("cached credentials mismatch: %+v", c2)
	}
}

func TestAutoRefreshingRefetchesWithin20s(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stub := &stubProvider{creds: Credentials{Access: "first", Expiry: base.Add(10 * time.Second)}}
	ar := NewAutoRefreshing(stub)
	clock := base
	ar.now = func() time.Time { return clock }

	if _, err := ar.Credentials(context.Background()); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	stub.creds = Credentials{Access: "second", Expiry: base.Add(time.Hour)}
	c, err := ar.Credentials(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if c.Access != "second" || stub.calls != 2 {
		t.Fatalf("expected refresh to second credentials, got %+v calls=%d", c, stub.calls)
	}
}
