package main

import (
	"bytes"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/matheus3301/bizsync/internal/api"
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/session"
	"github.com/matheus3301/bizsync/internal/status"
)

func reply(w http.ResponseWriter, code int, data any) {
	raw, _ := json.Marshal(data)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(api.Response{Status: "ok", Data: raw})
}

// serve starts a fake daemon for session "test" under a temporary home.
func serve(t *testing.T, r http.Handler) {
	t.Helper()
	// Short path for the Unix socket.
	home, err := os.MkdirTemp("/tmp", "bizsyncctl-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(session.EnvHome, home)
	if err := session.EnsureDir("test"); err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("unix", session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: r}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--session", "test"}, args...))
	jsonOutput, sendFile, selectPartner, messagesConv = false, "", "", ""
	err := rootCmd.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, api.StatusReport{
			Session:  "test",
			Identity: model.Identity{ID: "b1", Role: model.RoleBusiness},
			State:    status.Connected,
		})
	})
	serve(t, r)

	out, err := execute(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"business:b1", "CONNECTED", "Seeded:    never"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "status", "--json")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var report api.StatusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("--json output is not JSON: %v\n%s", err, out)
	}
	if report.State != status.Connected {
		t.Errorf("state = %s", report.State)
	}
}

func TestSendCommand(t *testing.T) {
	var got api.SendRequest
	r := chi.NewRouter()
	r.Post("/messages", func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewDecoder(req.Body).Decode(&got)
		reply(w, http.StatusAccepted, api.SendResult{LocalID: "tmp-1"})
	})
	serve(t, r)

	out, err := execute(t, "send", "hello", "there", "--file", "f1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Text != "hello there" || got.FileRef != "f1" {
		t.Errorf("request = %+v", got)
	}
	if !strings.Contains(out, "tmp-1") {
		t.Errorf("output = %q", out)
	}

	if _, err := execute(t, "send"); err == nil {
		t.Error("empty send should fail")
	}
}

func TestErrorEnvelope(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/messages/{id}/retry", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.Response{Status: "error", Message: "only failed messages can be retried"})
	})
	serve(t, r)

	_, err := execute(t, "retry", "tmp-1")
	if err == nil || !strings.Contains(err.Error(), "only failed messages") || !strings.Contains(err.Error(), "409") {
		t.Errorf("err = %v", err)
	}
}

func TestDaemonDown(t *testing.T) {
	home, err := os.MkdirTemp("/tmp", "bizsyncctl-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(home) }()
	t.Setenv(session.EnvHome, home)

	c := newClient(filepath.Join(home, "absent.sock"))
	if _, err := c.do(t.Context(), http.MethodGet, "/status", nil, nil); !errors.Is(err, ErrDaemonDown) {
		t.Errorf("err = %v, want ErrDaemonDown", err)
	}
}
