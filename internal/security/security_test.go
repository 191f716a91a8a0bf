package security

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

func TestGenerateKeyFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^LUAGUARD(-[0-9A-F]{4}){4}$`)

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		key, errGenerate := GenerateKey("luaguard")
		if errGenerate != nil {
			t.Fatalf("generate key: %v", errGenerate)
		}
		if !pattern.MatchString(key) {
			t.Fatalf("key %q does not match expected shape", key)
		}
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate key %q in 50 draws", key)
		}
		seen[key] = struct{}{}
	}
}

func TestGenerateOpaqueTokenLengths(t *testing.T) {
	requestID, errRequest := GenerateRequestID()
	if errRequest != nil {
		t.Fatalf("generate request id: %v", errRequest)
	}
	if len(requestID) != 32 || requestID != strings.ToLower(requestID) {
		t.Fatalf("request id %q, want 32 lowercase hex chars", requestID)
	}

	session, errSession := GenerateSessionToken()
	if errSession != nil {
		t.Fatalf("generate session token: %v", errSession)
	}
	if len(session) != 64 {
		t.Fatalf("session token length %d, want 64", len(session))
	}
}

func TestValidHWID(t *testing.T) {
	cases := []struct {
		hwid string
		want bool
	}{
		{"ABCDEF1234567890", true},
		{strings.Repeat("a", 10), true},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 9), false},
		{strings.Repeat("a", 129), false},
		{"", false},
		{"unknown-hw", true},
		{"UNDEFINED0", false},
		{"unknown", false},
		{"null", false},
	}
	for _, tc := range cases {
		if got := ValidHWID(tc.hwid); got != tc.want {
			t.Errorf("ValidHWID(%q)=%v, want %v", tc.hwid, got, tc.want)
		}
	}
}

func TestTruncateHWID(t *testing.T) {
	if got := TruncateHWID("abcd"); got != "abcd" {
		t.Errorf("short hwid truncated to %q", got)
	}
	if got := TruncateHWID("0123456789abcdef"); got != "01234567..." {
		t.Errorf("TruncateHWID=%q, want 01234567...", got)
	}
}

func TestCallbackSignatureRoundTrip(t *testing.T) {
	const secret = "callback-secret"
	token := SignCallback(secret, "req-abc", 2)

	if !VerifyCallback(secret, "req-abc", 2, token) {
		t.Fatalf("valid token rejected")
	}
	if VerifyCallback(secret, "req-abc", 1, token) {
		t.Fatalf("token accepted for wrong step")
	}
	if VerifyCallback(secret, "req-other", 2, token) {
		t.Fatalf("token accepted for wrong request")
	}
	if VerifyCallback("other-secret", "req-abc", 2, token) {
		t.Fatalf("token accepted under wrong secret")
	}
	if VerifyCallback(secret, "req-abc", 2, "") {
		t.Fatalf("empty token accepted")
	}
}

func TestStateRoundTrip(t *testing.T) {
	const secret = "state-secret"

	token, errGenerate := GenerateState(secret, "/dashboard")
	if errGenerate != nil {
		t.Fatalf("generate state: %v", errGenerate)
	}

	claims, errParse := ParseState(secret, token)
	if errParse != nil {
		t.Fatalf("parse state: %v", errParse)
	}
	if claims.Return != "/dashboard" {
		t.Fatalf("return=%q, want /dashboard", claims.Return)
	}
	if claims.ID == "" {
		t.Fatalf("state missing jti")
	}

	if _, errWrong := ParseState("wrong-secret", token); !errors.Is(errWrong, ErrInvalidState) {
		t.Fatalf("wrong-secret err=%v, want ErrInvalidState", errWrong)
	}
	if _, errGarbage := ParseState(secret, "not.a.jwt"); !errors.Is(errGarbage, ErrInvalidState) {
		t.Fatalf("garbage err=%v, want ErrInvalidState", errGarbage)
	}
}
