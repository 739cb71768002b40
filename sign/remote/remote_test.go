package remote

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSignSendsDigestAndOTP(t *testing.T) {
	doc := []byte("%PDF-1.4 referto")
	digest := sha256.Sum256(doc)
	wantDigest := base64.StdEncoding.EncodeToString(digest[:])
	wantCMS := []byte{0x30, 0x05, 0x02, 0x03, 0x01, 0x00, 0x01}

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method != "POST" {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["digestBase64"] != wantDigest {
			t.Errorf("digestBase64 = %q, want %q", req["digestBase64"], wantDigest)
		}
		if req["otp"] != "123456" {
			t.Errorf("otp = %q", req["otp"])
		}
		json.NewEncoder(w).Encode(map[string]string{
			"cms": base64.StdEncoding.EncodeToString(wantCMS),
		})
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL, srv.Client()).Sign(context.Background(), doc, "123456")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if string(got) != string(wantCMS) {
		t.Fatalf("cms = %x, want %x", got, wantCMS)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want exactly 1", calls)
	}
}

func TestSignEmptyCMSIsHardError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"cms": ""})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, srv.Client()).Sign(context.Background(), []byte("doc"), "123456")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestSignNonOKStatusNoRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "otp expired", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, srv.Client()).Sign(context.Background(), []byte("doc"), "123456")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("err = %v, want status 403 error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want exactly 1 (no retry)", calls)
	}
}

func TestSignInvalidBase64(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"cms": "not-base64!!"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, srv.Client()).Sign(context.Background(), []byte("doc"), "123456")
	if err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestSignNoURL(t *testing.T) {
	_, err := NewClient("", nil).Sign(context.Background(), []byte("doc"), "123456")
	if !errors.Is(err, ErrNoServiceURL) {
		t.Fatalf("err = %v, want ErrNoServiceURL", err)
	}
}
