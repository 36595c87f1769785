package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestGateChatQuota(t *testing.T) {
	_, client := testRedisClient(t)
	gate, err := NewGate(client, "test:gate", nil)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	for i := 0; i < 5; i++ {
		if !gate.TryConsume(BucketChat, "ip-1") {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	if gate.TryConsume(BucketChat, "ip-1") {
		t.Fatalf("sixth chat request in the window should be rejected")
	}
}

func TestGateBucketsCountIndependently(t *testing.T) {
	_, client := testRedisClient(t)
	gate, err := NewGate(client, "test:gate", map[Bucket]Quota{
		BucketAuth: {Limit: 1, Window: time.Minute},
		BucketChat: {Limit: 1, Window: time.Minute},
	})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	if !gate.TryConsume(BucketAuth, "ip-1") {
		t.Fatalf("auth request should be admitted")
	}
	if !gate.TryConsume(BucketChat, "ip-1") {
		t.Fatalf("chat bucket should not share the auth counter")
	}
	if gate.TryConsume(BucketAuth, "ip-1") {
		t.Fatalf("second auth request should be rejected")
	}
}

func TestGateUnknownBucketAdmits(t *testing.T) {
	_, client := testRedisClient(t)
	gate, err := NewGate(client, "test:gate", nil)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	if !gate.TryConsume(Bucket("nonexistent"), "ip-1") {
		t.Fatalf("unknown bucket should admit")
	}
}

func TestBucketForPath(t *testing.T) {
	cases := []struct {
		path    string
		bucket  Bucket
		limited bool
	}{
		{"/api/auth/login", BucketAuth, true},
		{"/api/auth/signup", BucketAuth, true},
		{"/api/chat", BucketChat, true},
		{"/api/chat/sessions", BucketChat, true},
		{"/api/articles", BucketGeneral, true},
		{"/api/feedback", BucketGeneral, true},
		{"/healthz", "", false},
		{"/", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			bucket, limited := BucketForPath(tc.path)
			if limited != tc.limited {
				t.Fatalf("limited = %v, want %v", limited, tc.limited)
			}
			if bucket != tc.bucket {
				t.Fatalf("bucket = %q, want %q", bucket, tc.bucket)
			}
		})
	}
}

func TestDefaultQuotas(t *testing.T) {
	quotas := DefaultQuotas()
	want := map[Bucket]Quota{
		BucketAuth:    {Limit: 5, Window: 5 * time.Minute},
		BucketChat:    {Limit: 5, Window: time.Minute},
		BucketGeneral: {Limit: 10, Window: time.Minute},
	}
	for bucket, quota := range want {
		got, ok := quotas[bucket]
		if !ok {
			t.Fatalf("missing bucket %q", bucket)
		}
		if got != quota {
			t.Fatalf("bucket %q = %+v, want %+v", bucket, got, quota)
		}
	}
}

func TestGateRejectsInvalidQuota(t *testing.T) {
	_, client := testRedisClient(t)
	_, err := NewGate(client, "test:gate", map[Bucket]Quota{
		BucketAuth: {Limit: 0, Window: time.Minute},
	})
	if err == nil {
		t.Fatalf("expected error for zero limit")
	}
	if got := fmt.Sprint(err); got == "" {
		t.Fatalf("error should describe the failing bucket")
	}
}
