package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
	errNilValidator               = errors.New("token validator is nil")
)

// Principal is the identity a request authenticated as. Every render key is
// scoped to exactly one project.
type Principal struct {
	ProjectID string
	APIKeyID  string
}

type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (Principal, error)
}

type AuthOption func(*Authenticator)

// WithOnAuthFailure registers a callback run on every rejected request.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(a *Authenticator) { a.onFailure = fn }
}

// WithRateLimiter throttles peers that keep failing authentication.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(a *Authenticator) { a.limiter = rl }
}

// Authenticator enforces bearer API keys on both transports.
type Authenticator struct {
	validator TokenValidator
	onFailure func()
	limiter   *RateLimiter
}

func NewAuthenticator(validator TokenValidator, opts ...AuthOption) *Authenticator {
	a := &Authenticator{validator: validator}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// reject records a failure from peer and reports whether the peer is now
// throttled.
func (a *Authenticator) reject(peerIP string) bool {
	if a.onFailure != nil {
		a.onFailure()
	}
	if a.limiter == nil || peerIP == "" {
		return false
	}
	return !a.limiter.RecordFailureAndAllow(peerIP)
}

func (a *Authenticator) HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticate(r.Context(), []string{r.Header.Get("Authorization")})
		if err != nil {
			if a.reject(ExtractIP(r.RemoteAddr)) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(NewContextWithPrincipal(r.Context(), principal)))
	})
}

func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		authed, err := a.authorizeGRPC(ctx)
		if err != nil {
			return nil, err
		}
		return handler(authed, req)
	}
}

func (a *Authenticator) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		authed, err := a.authorizeGRPC(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: authed})
	}
}

func (a *Authenticator) authorizeGRPC(ctx context.Context) (context.Context, error) {
	var headers []string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		headers = md.Get("authorization")
	}

	principal, err := a.authenticate(ctx, headers)
	if err != nil {
		if a.reject(extractGRPCPeerIP(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
		}
		return nil, status.Error(codes.Unauthenticated, "unauthorized")
	}
	return NewContextWithPrincipal(ctx, principal), nil
}

// authenticate accepts the first header carrying a valid bearer token.
func (a *Authenticator) authenticate(ctx context.Context, headers []string) (Principal, error) {
	if a == nil || a.validator == nil {
		return Principal{}, errNilValidator
	}

	lastErr := errMissingAuthorizationHeader
	for _, header := range headers {
		if strings.TrimSpace(header) == "" {
			continue
		}
		token, err := parseBearerToken(header)
		if err != nil {
			lastErr = err
			continue
		}
		principal, err := a.validator.ValidateToken(ctx, token)
		if err != nil {
			lastErr = err
			continue
		}
		if strings.TrimSpace(principal.ProjectID) == "" {
			return Principal{}, errInvalidAuthorizationHeader
		}
		return principal, nil
	}
	return Principal{}, lastErr
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

type contextKey string

const (
	projectIDKey contextKey = "project_id"
	apiKeyIDKey  contextKey = "api_key_id"
)

func NewContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	ctx = NewContextWithProjectID(ctx, principal.ProjectID)
	if principal.APIKeyID != "" {
		ctx = NewContextWithAPIKeyID(ctx, principal.APIKeyID)
	}
	return ctx
}

func ProjectIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(projectIDKey).(string)
	return id, ok
}

func NewContextWithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectIDKey, projectID)
}

// APIKeyIDFromContext returns the ID of the key that authenticated the
// request, for audit entries.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(string)
	return id, ok
}

func NewContextWithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	return parts[1], nil
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
