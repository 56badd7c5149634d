package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/matheus3301/bizsync/internal/syncerr"
	"github.com/matheus3301/bizsync/internal/transport"
	"github.com/matheus3301/bizsync/internal/transport/transporttest"
)

func TestFrameRoundTrip(t *testing.T) {
	f, err := transport.NewFrame("sendMessage", map[string]string{"text": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	f.ID = 7
	data, err := transport.Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	got, err := transport.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	var body struct{ Text string }
	if err := got.Bind(&body); err != nil {
		t.Fatal(err)
	}
	if got.Event != "sendMessage" || got.ID != 7 || body.Text != "hi" {
		t.Errorf("got %+v body %+v", got, body)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, in := range []string{`not json`, `{}`, `{"data":1}`} {
		if _, err := transport.Decode([]byte(in)); !errors.Is(err, transport.ErrMalformedFrame) {
			t.Errorf("Decode(%q) err = %v, want ErrMalformedFrame", in, err)
		}
	}
}

func TestBindEmptyPayload(t *testing.T) {
	f := transport.Frame{Event: "reviewCreated"}
	v := struct{ N int }{N: 3}
	if err := f.Bind(&v); err != nil || v.N != 3 {
		t.Errorf("Bind on empty data = %v, %+v", err, v)
	}
}

func TestHandshake(t *testing.T) {
	tr := transporttest.New()
	tr.RejectCredential("bad", transport.CodeTokenExpired)

	c, _ := tr.Dial(context.Background(), "good")
	if err := transport.Handshake(context.Background(), c, time.Second); err != nil {
		t.Fatalf("good credential: %v", err)
	}

	c, _ = tr.Dial(context.Background(), "bad")
	err := transport.Handshake(context.Background(), c, time.Second)
	var rej *transport.RejectedError
	if !errors.As(err, &rej) || !rej.CredentialRejected() {
		t.Fatalf("bad credential err = %v, want credential rejection", err)
	}
}

func TestDialerRetriesTransportErrors(t *testing.T) {
	tr := transporttest.New()
	tr.FailDials(errors.New("refused"), errors.New("refused"))

	var reported []*syncerr.TransportError
	d := &transport.Dialer{
		Transport: tr,
		Backoff:   transport.NewBackoff(transport.BackoffConfig{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 5}),
		OnError:   func(e *syncerr.TransportError) { reported = append(reported, e) },
	}
	c, err := d.Dial(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if len(reported) != 2 {
		t.Fatalf("OnError called %d times, want 2", len(reported))
	}
	if reported[1].Attempt != 2 {
		t.Errorf("attempt = %d, want 2", reported[1].Attempt)
	}
}

func TestDialerGivesUp(t *testing.T) {
	tr := transporttest.New()
	tr.FailDials(errors.New("a"), errors.New("b"), errors.New("c"))
	d := &transport.Dialer{
		Transport: tr,
		Backoff:   transport.NewBackoff(transport.BackoffConfig{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2}),
	}
	_, err := d.Dial(context.Background(), "tok")
	var te *syncerr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if !syncerr.Recoverable(err) {
		t.Error("transport errors should be recoverable")
	}
}

func TestDialerDoesNotRetryRejection(t *testing.T) {
	tr := transporttest.New()
	tr.RejectCredential("tok", transport.CodeUnauthorized)
	d := &transport.Dialer{Transport: tr, Backoff: transport.NewBackoff(transport.BackoffConfig{Base: time.Millisecond})}
	_, err := d.Dial(context.Background(), "tok")
	var rej *transport.RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want RejectedError", err)
	}
	if n := len(tr.Credentials()); n != 1 {
		t.Errorf("dialed %d times, want 1", n)
	}
	if tr.Live() != 0 {
		t.Error("rejected connection left open")
	}
}

func TestBackoffCapsAndCounts(t *testing.T) {
	b := transport.NewBackoff(transport.BackoffConfig{Base: 10 * time.Millisecond, Max: 25 * time.Millisecond, MaxAttempts: 3})
	var delays []time.Duration
	for {
		d, ok := b.Next()
		if !ok {
			break
		}
		delays = append(delays, d)
	}
	if len(delays) != 3 {
		t.Fatalf("got %d delays, want 3", len(delays))
	}
	if delays[0] < 10*time.Millisecond || delays[0] > 15*time.Millisecond {
		t.Errorf("first delay = %v", delays[0])
	}
	if delays[2] != 25*time.Millisecond {
		t.Errorf("third delay = %v, want capped 25ms", delays[2])
	}
	b.Reset()
	if _, ok := b.Next(); !ok {
		t.Error("Next after Reset should succeed")
	}
}

func TestWebSocketTransport(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization") + "|" + r.URL.Query().Get("token")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		c.Write(ctx, websocket.MessageText, []byte(`{"event":"connect"}`))
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		req, _ := transport.Decode(data)
		c.Write(ctx, websocket.MessageText, []byte(`{"ack":`+strconv.FormatUint(req.ID, 10)+`,"data":{"ok":true}}`))
		c.Read(ctx)
	}))
	defer srv.Close()

	ws := transport.NewWebSocket("ws"+strings.TrimPrefix(srv.URL, "http"), transport.WebSocketOptions{})
	d := &transport.Dialer{Transport: ws, HandshakeTimeout: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := d.Dial(ctx, "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if got := <-gotAuth; got != "Bearer tok-1|tok-1" {
		t.Errorf("auth = %q", got)
	}

	if err := c.Write(ctx, transport.Frame{Event: "getDashboardStats", ID: 42}); err != nil {
		t.Fatal(err)
	}
	ack, err := c.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Ack != 42 {
		t.Errorf("ack = %d, want 42", ack.Ack)
	}
}
