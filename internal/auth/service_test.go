package auth

import (
	"context"
	"errors"
	"testing"
)

func testService(t *testing.T) *Service {
	t.Helper()
	store, err := NewMemoryStore([]Seed{{
		Username:    "ops",
		Password:    "hunter2",
		Roles:       []string{"operator"},
		Permissions: []string{PermFundRequestResolve, PermGateManage},
	}})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT:  JWTOptions{Secret: "test-secret", Issuer: "prim-wallet"},
	}, store)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return svc
}

func TestAuthenticateIssuesVerifiableToken(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "ops", Password: "hunter2"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if pair.AccessToken == "" || pair.TokenType != "Bearer" {
		t.Fatalf("pair = %+v", pair)
	}

	subject, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("AuthenticateRequest: %v", err)
	}
	if subject.Username != "ops" {
		t.Fatalf("username = %s", subject.Username)
	}
	if err := subject.Authorize(PermFundRequestResolve); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := subject.Authorize(PermWalletRead); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("missing permission: got %v", err)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "ops", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "ghost", Password: "hunter2"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{GrantType: "client_credentials", Username: "ops", Password: "hunter2"}); !errors.Is(err, ErrUnsupportedGrant) {
		t.Fatalf("unsupported grant: got %v", err)
	}
}

func TestAuthenticateRequestRejectsTamperedToken(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "ops", Password: "hunter2"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered token: got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("missing header: got %v", err)
	}
	// Refresh tokens cannot be used as access tokens.
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh as access: got %v", err)
	}
}

func TestDisabledModePassesNothing(t *testing.T) {
	svc, err := NewService(context.Background(), Config{Mode: ModeDisabled}, nil)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), TokenRequest{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("got %v", err)
	}
}
