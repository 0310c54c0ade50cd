package command_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/brokervoice/internal/command"
)

func TestNewHTTPClient_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := command.NewHTTPClient("  "); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestHTTPClient_Send(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req["userId"] != "u-1" || req["audioBase64"] != "UklGRg==" {
			t.Errorf("request = %v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"transcript":"open ticket 42","actionTaken":"opened ticket"}`))
	}))
	t.Cleanup(srv.Close)

	c, err := command.NewHTTPClient(srv.URL, command.WithAPIKey("secret"))
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Send(context.Background(), command.Request{UserID: "u-1", AudioBase64: "UklGRg=="})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := command.Result{Success: true, Transcript: "open ticket 42", ActionTaken: "opened ticket"}
	if res != want {
		t.Errorf("Result = %+v, want %+v", res, want)
	}
}

func TestHTTPClient_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "non-2xx",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "upstream down", http.StatusBadGateway)
			},
			check: func(t *testing.T, err error) {
				var se *command.StatusError
				if !errors.As(err, &se) || se.Code != http.StatusBadGateway || se.Body != "upstream down" {
					t.Errorf("err = %v, want StatusError 502", err)
				}
			},
		},
		{
			name: "undecodable body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("<html>"))
			},
			check: func(t *testing.T, err error) {
				if err == nil {
					t.Error("expected decode error")
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)
			c, err := command.NewHTTPClient(srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			_, err = c.Send(context.Background(), command.Request{UserID: "u"})
			tt.check(t, err)
		})
	}
}

func TestHTTPClient_SuccessFalseIsNotAnError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"transcript":"mumble"}`))
	}))
	t.Cleanup(srv.Close)

	c, _ := command.NewHTTPClient(srv.URL)
	res, err := c.Send(context.Background(), command.Request{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || res.Transcript != "mumble" {
		t.Errorf("Result = %+v", res)
	}
}
