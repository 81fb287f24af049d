package middleware

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/grpc"
)

type testServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *testServerStream) Context() context.Context {
	return s.ctx
}

type testTokenValidator struct {
	mu            sync.Mutex
	expectedToken string
	principal     Principal
	calls         int
	gotToken      string
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (Principal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.calls++
	v.gotToken = token
	if token != v.expectedToken {
		return Principal{}, errors.New("invalid token")
	}
	return v.principal, nil
}

func (v *testTokenValidator) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type fakeAPIKeyLookup struct {
	hashes   map[string]string
	projects map[string]string
}

func (f fakeAPIKeyLookup) ValidateAPIKey(_ context.Context, id string) (string, string, error) {
	hash, ok := f.hashes[id]
	if !ok {
		return "", "", errors.New("no rows in result set")
	}
	return hash, f.projects[id], nil
}
