package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var renderKey = Principal{ProjectID: "proj-123", APIKeyID: "key-1"}

func TestAuthenticatorHTTP(t *testing.T) {
	tests := []struct {
		name          string
		header        string
		wantStatus    int
		wantValidated bool
	}{
		{name: "missing token", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good", wantStatus: http.StatusUnauthorized},
		{name: "too many fields", header: "Bearer good extra", wantStatus: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer bad", wantStatus: http.StatusUnauthorized, wantValidated: true},
		{name: "valid token", header: "Bearer good", wantStatus: http.StatusNoContent, wantValidated: true},
		{name: "lowercase scheme", header: "bearer good", wantStatus: http.StatusNoContent, wantValidated: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			validator := &testTokenValidator{expectedToken: "good", principal: renderKey}
			failures := 0
			auth := NewAuthenticator(validator, WithOnAuthFailure(func() { failures++ }))

			handler := auth.HTTP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if pid, ok := ProjectIDFromContext(r.Context()); !ok || pid != renderKey.ProjectID {
					t.Errorf("ProjectIDFromContext = %q, %v", pid, ok)
				}
				if kid, ok := APIKeyIDFromContext(r.Context()); !ok || kid != renderKey.APIKeyID {
					t.Errorf("APIKeyIDFromContext = %q, %v", kid, ok)
				}
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/blocks", nil)
			if test.header != "" {
				req.Header.Set("Authorization", test.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != test.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, test.wantStatus)
			}
			if got := validator.callCount() > 0; got != test.wantValidated {
				t.Fatalf("validator called = %t, want %t", got, test.wantValidated)
			}
			if test.wantStatus == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
					t.Fatalf("WWW-Authenticate = %q, want Bearer", got)
				}
				if failures != 1 {
					t.Fatalf("failure callbacks = %d, want 1", failures)
				}
			}
		})
	}
}

func TestAuthenticatorHTTPRejectsEmptyProject(t *testing.T) {
	validator := &testTokenValidator{expectedToken: "good"}
	handler := NewAuthenticator(validator).HTTP(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("next handler called for a key without a project")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthenticatorHTTPRateLimitsFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 2)
	defer rl.Stop()

	handler := NewAuthenticator(&testTokenValidator{expectedToken: "good"}, WithRateLimiter(rl)).
		HTTP(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	statuses := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.9:4567"
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	want := []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("attempt %d status = %d, want %d", i+1, statuses[i], want[i])
		}
	}
}

func TestAuthenticatorUnaryInterceptor(t *testing.T) {
	tests := []struct {
		name     string
		md       metadata.MD
		wantCode codes.Code
	}{
		{name: "no metadata", wantCode: codes.Unauthenticated},
		{name: "invalid token", md: metadata.Pairs("authorization", "Bearer bad"), wantCode: codes.Unauthenticated},
		{name: "valid token", md: metadata.Pairs("authorization", "Bearer good"), wantCode: codes.OK},
		{name: "second header valid", md: metadata.Pairs("authorization", "Bearer bad", "authorization", "Bearer good"), wantCode: codes.OK},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			validator := &testTokenValidator{expectedToken: "good", principal: renderKey}
			interceptor := NewAuthenticator(validator).UnaryInterceptor()

			ctx := context.Background()
			if test.md != nil {
				ctx = metadata.NewIncomingContext(ctx, test.md)
			}

			_, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(ctx context.Context, _ any) (any, error) {
				if pid, _ := ProjectIDFromContext(ctx); pid != renderKey.ProjectID {
					return nil, status.Errorf(codes.Internal, "project = %q", pid)
				}
				return "ok", nil
			})
			if got := status.Code(err); got != test.wantCode {
				t.Fatalf("code = %v, want %v (err %v)", got, test.wantCode, err)
			}
		})
	}
}

func TestAuthenticatorUnaryInterceptorRateLimitsPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 1)
	defer rl.Stop()
	interceptor := NewAuthenticator(&testTokenValidator{expectedToken: "good"}, WithRateLimiter(rl)).UnaryInterceptor()

	callCtx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("198.51.100.4"), Port: 5000}})
	callCtx = metadata.NewIncomingContext(callCtx, metadata.Pairs("authorization", "Bearer bad"))

	handler := func(context.Context, any) (any, error) { return nil, nil }
	if _, err := interceptor(callCtx, nil, &grpc.UnaryServerInfo{}, handler); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("first attempt code = %v, want Unauthenticated", status.Code(err))
	}
	if _, err := interceptor(callCtx, nil, &grpc.UnaryServerInfo{}, handler); status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("second attempt code = %v, want ResourceExhausted", status.Code(err))
	}
}

func TestAuthenticatorStreamInterceptor(t *testing.T) {
	validator := &testTokenValidator{expectedToken: "good", principal: renderKey}
	interceptor := NewAuthenticator(validator).StreamInterceptor()

	err := interceptor(nil, &testServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error {
		t.Fatal("handler called without credentials")
		return nil
	})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("code = %v, want Unauthenticated", status.Code(err))
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer good"))
	err = interceptor(nil, &testServerStream{ctx: ctx}, &grpc.StreamServerInfo{}, func(_ any, ss grpc.ServerStream) error {
		if kid, _ := APIKeyIDFromContext(ss.Context()); kid != renderKey.APIKeyID {
			return errors.New("api key id missing from stream context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("interceptor() error = %v", err)
	}
}

func TestAuthenticatorWithoutValidator(t *testing.T) {
	handler := NewAuthenticator(nil).HTTP(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("next handler called without a validator")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAPIKeyValidator(t *testing.T) {
	hash, err := HashAPIKey("s3cret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	validator := NewAPIKeyValidator(fakeAPIKeyLookup{
		hashes:   map[string]string{"abc": hash},
		projects: map[string]string{"abc": "proj-9"},
	})

	tests := []struct {
		name    string
		token   string
		want    Principal
		wantErr bool
	}{
		{name: "valid", token: "abc.s3cret", want: Principal{ProjectID: "proj-9", APIKeyID: "abc"}},
		{name: "wrong secret", token: "abc.nope", wantErr: true},
		{name: "unknown key", token: "zzz.s3cret", wantErr: true},
		{name: "no separator", token: "abcs3cret", wantErr: true},
		{name: "empty id", token: ".s3cret", wantErr: true},
		{name: "empty secret", token: "abc.", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := validator.ValidateToken(context.Background(), test.token)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ValidateToken(%q) error = nil, want error", test.token)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateToken(%q) error = %v", test.token, err)
			}
			if got != test.want {
				t.Fatalf("ValidateToken(%q) = %+v, want %+v", test.token, got, test.want)
			}
		})
	}
}

func TestAPIKeyValidatorWrongSecretIsInvalidAPIKey(t *testing.T) {
	hash, err := HashAPIKey("right")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	validator := NewAPIKeyValidator(fakeAPIKeyLookup{hashes: map[string]string{"k": hash}})

	if _, err := validator.ValidateToken(context.Background(), "k.wrong"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("ValidateToken() error = %v, want %v", err, ErrInvalidAPIKey)
	}
}
