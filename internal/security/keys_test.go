package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	rsaTestKey = sync.OnceValue(func() *rsa.PrivateKey {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		return key
	})
	ecTestKey = sync.OnceValue(func() *ecdsa.PrivateKey {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic(err)
		}
		return key
	})
)

func encodePEM(blockType string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}

func pkcs8PEM(t *testing.T, key crypto.Signer) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	return encodePEM("PRIVATE KEY", der)
}

func pkixPEM(t *testing.T, pub crypto.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return encodePEM("PUBLIC KEY", der)
}

func ecSEC1PEM(t *testing.T, key *ecdsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}
	return encodePEM("EC PRIVATE KEY", der)
}

func writeKeyFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// JWT_PRIVATE_KEY and JWT_PUBLIC_KEY arrive as inline PEM, PEM with escaped
// newlines from a .env file, or a path.
func TestLoadKeyPair(t *testing.T) {
	rsaKey := rsaTestKey()
	ecKey := ecTestKey()

	testCases := []struct {
		name       string
		privateKey string
		publicKey  string
		wantAlg    string
	}{
		{"rsa pkcs8 inline, public derived", pkcs8PEM(t, rsaKey), "", "RS256"},
		{"rsa pkcs1 inline, public derived", encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rsaKey)), "", "RS256"},
		{"ec sec1 inline, public derived", ecSEC1PEM(t, ecKey), "", "ES256"},
		{"ec from env file escapes", strings.ReplaceAll(pkcs8PEM(t, ecKey), "\n", `\n`), "  ", "ES256"},
		{"rsa with explicit pkix public", pkcs8PEM(t, rsaKey), pkixPEM(t, rsaKey.Public()), "RS256"},
		{"rsa with pkcs1 public", pkcs8PEM(t, rsaKey), encodePEM("RSA PUBLIC KEY", x509.MarshalPKCS1PublicKey(&rsaKey.PublicKey)), "RS256"},
		{"both from files", writeKeyFile(t, "admin.key", ecSEC1PEM(t, ecKey)), writeKeyFile(t, "admin.pub", pkixPEM(t, ecKey.Public())), "ES256"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			signer, pub, err := LoadKeyPair(tc.privateKey, tc.publicKey)
			if err != nil {
				t.Fatalf("LoadKeyPair: %v", err)
			}
			if got := KeyAlg(pub); got != tc.wantAlg {
				t.Errorf("KeyAlg = %q, want %q", got, tc.wantAlg)
			}
			type equaler interface{ Equal(crypto.PublicKey) bool }
			if eq, ok := signer.Public().(equaler); !ok || !eq.Equal(pub) {
				t.Error("public key does not match the signing key")
			}
		})
	}
}

func TestLoadKeyPair_Errors(t *testing.T) {
	rsaKey := rsaTestKey()
	privatePEM := pkcs8PEM(t, rsaKey)
	publicPEM := pkixPEM(t, rsaKey.Public())

	testCases := []struct {
		name       string
		privateKey string
		publicKey  string
		keyErr     bool
	}{
		{"empty private key", "", publicPEM, true},
		{"whitespace private key", " \n\t", "", true},
		{"missing key file", filepath.Join(t.TempDir(), "absent.key"), "", false},
		{"not pem", "-----BEGIN garbage", "", true},
		{"public key as private", publicPEM, "", true},
		{"private key as public", privatePEM, privatePEM, true},
		{"corrupt pkcs8 body", encodePEM("PRIVATE KEY", []byte("not der")), "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := LoadKeyPair(tc.privateKey, tc.publicKey)
			if err == nil {
				t.Fatal("LoadKeyPair should fail")
			}
			if tc.keyErr && !errors.Is(err, ErrInvalidKey) {
				t.Errorf("err = %v, want ErrInvalidKey", err)
			}
		})
	}
}

func TestLoadKeyPair_TokensVerifyWithPublicHalfOnly(t *testing.T) {
	ecKey := ecTestKey()
	signer, pub, err := LoadKeyPair(pkcs8PEM(t, ecKey), "")
	if err != nil {
		t.Fatalf("LoadKeyPair: %v", err)
	}
	issuer := NewTokenProvider(signer, pub, testIssuer, testAudience, time.Minute)
	token, _, _, err := issuer.IssueAdmin("administrator", "LOCAL")
	if err != nil {
		t.Fatalf("IssueAdmin: %v", err)
	}

	verifyPub, err := ParsePublicKey(pkixPEM(t, ecKey.Public()))
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	verifier := NewTokenProvider(nil, verifyPub, testIssuer, testAudience, time.Minute)
	claims, err := verifier.ValidateAdmin(token)
	if err != nil {
		t.Fatalf("ValidateAdmin: %v", err)
	}
	if claims.Username != "administrator" || claims.Role != RoleAdmin {
		t.Errorf("claims = %+v", claims)
	}

	other, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	if _, err := other.ValidateAdmin(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign key err = %v, want ErrInvalidToken", err)
	}
}

func TestUnsupportedSigningKey(t *testing.T) {
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, pub, err := LoadKeyPair(pkcs8PEM(t, edKey), "")
	if err != nil {
		t.Fatalf("LoadKeyPair: %v", err)
	}
	if alg := KeyAlg(pub); alg != "" {
		t.Errorf("KeyAlg(ed25519) = %q, want empty", alg)
	}
	p := NewTokenProvider(signer, pub, testIssuer, testAudience, time.Minute)
	if _, _, _, err := p.IssueAdmin("administrator", "LOCAL"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("IssueAdmin with ed25519 err = %v, want ErrInvalidToken", err)
	}
}
