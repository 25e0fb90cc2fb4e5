package handler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	identityservice "remote-desktop-server/internal/identity/service"
	"remote-desktop-server/internal/security"
)

// mockAuthenticator implements Authenticator for tests. The password for every account is "secret".
type mockAuthenticator struct {
	admins    map[string]bool
	twoFactor map[string]string
	storeErr  error
	codeErr   error
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, username, secret, userDomain, clientIP string) (*identityservice.Result, error) {
	if userDomain == "" {
		userDomain = "LOCAL"
	}
	res := &identityservice.Result{Username: username, Domain: userDomain}
	if m.storeErr != nil {
		res.Message = identityservice.MsgServiceError
		return res, fmt.Errorf("lookup user: %w", m.storeErr)
	}
	if username == "locked" {
		res.Message = identityservice.MsgAccountLocked
		return res, identityservice.ErrAccountLocked
	}
	if secret != "secret" {
		res.Message = identityservice.MsgInvalidCredentials
		return res, identityservice.ErrInvalidCredentials
	}
	res.Success = true
	res.IsAdmin = m.admins[username]
	if _, ok := m.twoFactor[username]; ok {
		res.RequiresTwoFactor = true
		res.TwoFactorMethod = identityservice.TwoFactorMethodTOTP
	}
	return res, nil
}

func (m *mockAuthenticator) ValidateTwoFactor(ctx context.Context, username, userDomain, code string) (bool, error) {
	if m.codeErr != nil {
		return false, m.codeErr
	}
	return m.twoFactor[username] == code, nil
}

type failingIssuer struct{}

func (failingIssuer) IssueAdmin(username, userDomain string) (string, string, time.Time, error) {
	return "", "", time.Time{}, errors.New("signer unavailable")
}

func loginReq(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

func newTestAuthServer(t *testing.T, auth *mockAuthenticator) (*AuthServer, *security.TokenProvider) {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	return NewAuthServer(auth, tokens), tokens
}

func TestLogin_IssuesValidAdminToken(t *testing.T) {
	srv, tokens := newTestAuthServer(t, &mockAuthenticator{admins: map[string]bool{"root": true}})

	resp, err := srv.Login(context.Background(), loginReq(t, map[string]interface{}{"username": "root", "password": "secret"}))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	f := resp.GetFields()
	if f["token_type"].GetStringValue() != "Bearer" {
		t.Errorf("token_type = %q", f["token_type"].GetStringValue())
	}
	if f["expires_at"].GetStringValue() == "" {
		t.Error("expires_at should be set")
	}
	claims, err := tokens.ValidateAdmin(f["access_token"].GetStringValue())
	if err != nil {
		t.Fatalf("ValidateAdmin: %v", err)
	}
	if claims.Username != "root" || claims.Domain != "LOCAL" {
		t.Errorf("claims = %s@%s, want root@LOCAL", claims.Username, claims.Domain)
	}
}

func TestLogin_TwoFactor(t *testing.T) {
	auth := &mockAuthenticator{
		admins:    map[string]bool{"root": true},
		twoFactor: map[string]string{"root": "123456"},
	}
	srv, _ := newTestAuthServer(t, auth)
	base := map[string]interface{}{"username": "root", "password": "secret"}

	if _, err := srv.Login(context.Background(), loginReq(t, base)); status.Code(err) != codes.FailedPrecondition {
		t.Errorf("missing code = %v, want FailedPrecondition", status.Code(err))
	}
	base["totp_code"] = "000000"
	if _, err := srv.Login(context.Background(), loginReq(t, base)); status.Code(err) != codes.Unauthenticated {
		t.Errorf("wrong code = %v, want Unauthenticated", status.Code(err))
	}
	base["totp_code"] = "123456"
	if _, err := srv.Login(context.Background(), loginReq(t, base)); err != nil {
		t.Errorf("valid code: %v", err)
	}
	auth.codeErr = errors.New("db down")
	if _, err := srv.Login(context.Background(), loginReq(t, base)); status.Code(err) != codes.Internal {
		t.Errorf("store failure = %v, want Internal", status.Code(err))
	}
}

func TestLogin_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		auth    *mockAuthenticator
		req     map[string]interface{}
		want    codes.Code
		wantMsg string
	}{
		{"missing password", &mockAuthenticator{}, map[string]interface{}{"username": "root"}, codes.InvalidArgument, ""},
		{"bad password", &mockAuthenticator{}, map[string]interface{}{"username": "root", "password": "x"}, codes.Unauthenticated, identityservice.MsgInvalidCredentials},
		{"locked", &mockAuthenticator{}, map[string]interface{}{"username": "locked", "password": "secret"}, codes.Unauthenticated, identityservice.MsgAccountLocked},
		{"not admin", &mockAuthenticator{}, map[string]interface{}{"username": "alice", "password": "secret"}, codes.PermissionDenied, ""},
		{"store error", &mockAuthenticator{storeErr: errors.New("db down")}, map[string]interface{}{"username": "root", "password": "secret"}, codes.Internal, identityservice.MsgServiceError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestAuthServer(t, tc.auth)
			_, err := srv.Login(context.Background(), loginReq(t, tc.req))
			st, _ := status.FromError(err)
			if st.Code() != tc.want {
				t.Errorf("code = %v, want %v", st.Code(), tc.want)
			}
			if tc.wantMsg != "" && st.Message() != tc.wantMsg {
				t.Errorf("message = %q, want %q", st.Message(), tc.wantMsg)
			}
		})
	}
}

func TestLogin_IssuerFailure(t *testing.T) {
	srv := NewAuthServer(&mockAuthenticator{admins: map[string]bool{"root": true}}, failingIssuer{})
	_, err := srv.Login(context.Background(), loginReq(t, map[string]interface{}{"username": "root", "password": "secret"}))
	if status.Code(err) != codes.Internal {
		t.Errorf("code = %v, want Internal", status.Code(err))
	}
}

func TestLogin_Unimplemented(t *testing.T) {
	if _, err := NewAuthServer(nil, nil).Login(context.Background(), &structpb.Struct{}); status.Code(err) != codes.Unimplemented {
		t.Errorf("code = %v, want Unimplemented", status.Code(err))
	}
	if LoginMethod != "/rdp.auth.v1.AuthService/Login" {
		t.Errorf("LoginMethod = %q", LoginMethod)
	}
}
