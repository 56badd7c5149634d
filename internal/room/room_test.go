package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/matheus3301/bizsync/internal/bus"
	"github.com/matheus3301/bizsync/internal/dispatch"
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/syncerr"
	"github.com/matheus3301/bizsync/internal/transport"
)

var me = model.Identity{ID: "u1", Role: model.RoleUser}

// server answers emits the way the real socket server would and tracks room
// membership.
type server struct {
	mu        sync.Mutex
	disp      *dispatch.Dispatcher
	frames    []transport.Frame
	joined    map[string]bool
	maxJoined int
	// reply overrides the default answer for an event; errMsg != "" fails the emit.
	reply  map[string]func(f transport.Frame) (data, errMsg string)
	silent map[string]bool
}

func newServer() *server {
	return &server{
		joined: make(map[string]bool),
		reply:  make(map[string]func(transport.Frame) (string, string)),
		silent: make(map[string]bool),
	}
}

func conversationOf(f transport.Frame) string {
	var p struct {
		ConversationID string `json:"conversationId"`
	}
	_ = f.Bind(&p)
	return p.ConversationID
}

func (s *server) write(_ context.Context, f transport.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)

	data, errMsg := "{}", ""
	if fn, ok := s.reply[f.Event]; ok {
		data, errMsg = fn(f)
	}
	switch f.Event {
	case EventJoinConversation:
		if errMsg == "" {
			s.joined[conversationOf(f)] = true
		}
	case EventLeaveConversation:
		delete(s.joined, conversationOf(f))
	}
	s.maxJoined = max(s.maxJoined, len(s.joined))

	if f.ID != 0 && !s.silent[f.Event] {
		answer := transport.Frame{Ack: f.ID, Data: json.RawMessage(data), Error: errMsg}
		go s.disp.ResolveAck(answer)
	}
	return nil
}

func (s *server) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, f.Event+":"+conversationOf(f))
	}
	return out
}

type sink struct {
	mu    sync.Mutex
	calls []string
}

func (s *sink) MarkMessagesRead(_ context.Context, conversationID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf("%s:%d", conversationID, n))
	return nil
}

type fetcher struct {
	list []model.ConversationPreview
	err  error
}

func (f *fetcher) FetchConversations(context.Context) ([]model.ConversationPreview, error) {
	return f.list, f.err
}

type fixture struct {
	room  *Room
	srv   *server
	disp  *dispatch.Dispatcher
	sink  *sink
	fetch *fetcher
	bus   *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := newServer()
	disp := dispatch.New(srv.write, zap.NewNop())
	srv.disp = disp
	fx := &fixture{srv: srv, disp: disp, sink: &sink{}, fetch: &fetcher{}, bus: bus.New()}
	fx.room = New(Config{
		Identity:   me,
		Dispatcher: disp,
		Fetcher:    fx.fetch,
		Unread:     fx.sink,
		Bus:        fx.bus,
		Logger:     zap.NewNop(),
		AckTimeout: time.Second,
	})
	fx.room.Start()
	t.Cleanup(fx.room.Stop)
	return fx
}

func (fx *fixture) push(m model.ChatMessage) {
	f, _ := transport.NewFrame(EventNewMessage, m)
	fx.disp.Dispatch(f)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSelectLeavesBeforeJoining(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.room.SelectConversation(ctx, "c1", "p1"); err != nil {
		t.Fatal(err)
	}
	if err := fx.room.SelectConversation(ctx, "c2", "p2"); err != nil {
		t.Fatal(err)
	}
	// Selecting the joined conversation again is a no-op.
	if err := fx.room.SelectConversation(ctx, "c2", "p2"); err != nil {
		t.Fatal(err)
	}

	want := []string{"joinConversation:c1", "leaveConversation:c1", "joinConversation:c2"}
	got := fx.srv.events()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("wire = %v, want %v", got, want)
	}
	id, ok := fx.room.Active()
	if !ok || id != "c2" {
		t.Errorf("active = %q,%v, want c2", id, ok)
	}
	st := fx.room.State()
	if st.Session.PartnerID != "p2" || !st.Session.Joined {
		t.Errorf("session = %+v", st.Session)
	}
}

func TestFailedJoinLeavesNothingJoined(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	if err := fx.room.SelectConversation(ctx, "c1", "p1"); err != nil {
		t.Fatal(err)
	}
	fx.srv.mu.Lock()
	fx.srv.reply[EventJoinConversation] = func(transport.Frame) (string, string) { return "", "forbidden" }
	fx.srv.mu.Unlock()

	err := fx.room.SelectConversation(ctx, "c2", "p2")
	var ae *syncerr.AckError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want AckError", err)
	}
	if _, ok := fx.room.Active(); ok {
		t.Error("a conversation is still joined after a failed join")
	}
	st := fx.room.State()
	if st.Session.ConversationID != "" || st.Error == "" {
		t.Errorf("state = %+v, want cleared session with error banner", st)
	}
	fx.srv.mu.Lock()
	defer fx.srv.mu.Unlock()
	if len(fx.srv.joined) != 0 {
		t.Errorf("server still has %v joined", fx.srv.joined)
	}
}

// selectInFlight starts selecting id with the join ack held back and returns
// once the join is on the wire.
func (fx *fixture) selectInFlight(t *testing.T, ctx context.Context, id string) (<-chan error, uint64) {
	t.Helper()
	fx.srv.mu.Lock()
	fx.srv.silent[EventJoinConversation] = true
	fx.srv.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- fx.room.SelectConversation(ctx, id, "p1") }()

	var ack uint64
	waitFor(t, func() bool {
		fx.srv.mu.Lock()
		defer fx.srv.mu.Unlock()
		for _, f := range fx.srv.frames {
			if f.Event == EventJoinConversation && conversationOf(f) == id {
				ack = f.ID
				return true
			}
		}
		return false
	})
	return errc, ack
}

func TestFailedJoinDiscardsBufferedMessages(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc, _ := fx.selectInFlight(t, ctx, "c1")
	fx.push(model.ChatMessage{ID: "m1", ConversationID: "c1", SenderID: "p1", Text: "hi", Timestamp: 10})
	fx.push(model.ChatMessage{ID: "m2", ConversationID: "c1", SenderID: me.ID, Text: "me", Timestamp: 11})
	cancel()

	if err := <-errc; err == nil {
		t.Fatal("join succeeded after cancel")
	}
	if _, ok := fx.room.Active(); ok {
		t.Error("conversation joined after a failed join")
	}
	if n := len(fx.room.State().Pane); n != 0 {
		t.Errorf("pane has %d entries with nothing joined", n)
	}
	var c1 model.ConversationPreview
	for _, p := range fx.room.Previews() {
		if p.ConversationID == "c1" {
			c1 = p
		}
	}
	if c1.UnreadCount != 1 || c1.LastMessage != "me" {
		t.Errorf("preview = %+v, want one unread and last message %q", c1, "me")
	}
}

func TestBufferedMessagesSurviveSuccessfulJoin(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	errc, ack := fx.selectInFlight(t, ctx, "c1")
	fx.push(model.ChatMessage{ID: "m1", ConversationID: "c1", SenderID: "p1", Text: "early", Timestamp: 10})
	fx.disp.ResolveAck(transport.Frame{Ack: ack, Data: json.RawMessage(`{}`)})

	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	st := fx.room.State()
	if !st.Session.Joined || len(st.Pane) != 1 || st.Pane[0].ServerID != "m1" {
		t.Errorf("state = %+v, want c1 joined with the early message", st)
	}
	for _, p := range fx.room.Previews() {
		if p.ConversationID == "c1" && p.UnreadCount != 0 {
			t.Errorf("unread = %d for the open conversation", p.UnreadCount)
		}
	}
}

func TestConcurrentSelectsKeepOneRoom(t *testing.T) {
	fx := newFixture(t)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			if err := fx.room.SelectConversation(context.Background(), id, "p"); err != nil {
				t.Errorf("select %s: %v", id, err)
			}
		}()
	}
	wg.Wait()

	fx.srv.mu.Lock()
	defer fx.srv.mu.Unlock()
	if fx.srv.maxJoined != 1 {
		t.Errorf("server saw %d rooms joined at once, want 1", fx.srv.maxJoined)
	}
	if len(fx.srv.joined) != 1 {
		t.Errorf("joined = %v, want exactly one", fx.srv.joined)
	}
	id, ok := fx.room.Active()
	if !ok || !fx.srv.joined[id] {
		t.Errorf("room active %q disagrees with server %v", id, fx.srv.joined)
	}
}

func TestSelectHonoursContext(t *testing.T) {
	fx := newFixture(t)
	fx.srv.silent[EventJoinConversation] = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := fx.room.SelectConversation(ctx, "c1", "p1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if fx.disp.Pending() != 0 {
		t.Errorf("pending acks = %d, want 0", fx.disp.Pending())
	}
}

func TestIncomingRouting(t *testing.T) {
	fx := newFixture(t)
	if err := fx.room.SelectConversation(context.Background(), "c1", "p1"); err != nil {
		t.Fatal(err)
	}

	fx.push(model.ChatMessage{ID: "m1", ConversationID: "c2", SenderID: "p2", Text: "elsewhere", Timestamp: 10})
	fx.push(model.ChatMessage{ID: "m2", ConversationID: "c1", SenderID: "p1", Text: "here", Timestamp: 11})
	fx.push(model.ChatMessage{ID: "m2", ConversationID: "c1", SenderID: "p1", Text: "here", Timestamp: 11})
	fx.push(model.ChatMessage{ConversationID: "c1", Text: "no id"})

	pane := fx.room.State().Pane
	if len(pane) != 1 || pane[0].ServerID != "m2" {
		t.Fatalf("pane = %+v, want only m2", pane)
	}

	previews := fx.room.Previews()
	if len(previews) != 2 {
		t.Fatalf("previews = %+v", previews)
	}
	if previews[0].ConversationID != "c1" || previews[0].UnreadCount != 0 {
		t.Errorf("c1 preview = %+v, want newest with no badge", previews[0])
	}
	if previews[1].ConversationID != "c2" || previews[1].UnreadCount != 1 || previews[1].LastMessage != "elsewhere" {
		t.Errorf("c2 preview = %+v", previews[1])
	}
}

func TestOwnMessageIsNotDuplicated(t *testing.T) {
	tests := []struct {
		name           string
		broadcastFirst bool
	}{
		{"broadcast before ack", true},
		{"ack before broadcast", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			if err := fx.room.SelectConversation(context.Background(), "c1", "p1"); err != nil {
				t.Fatal(err)
			}
			out := model.OutgoingMessage{LocalID: "l1", ConversationID: "c1", Text: "hi", State: model.SendPending, CreatedAt: 5}
			if !fx.room.AppendOutgoing(out) {
				t.Fatal("outgoing message not shown")
			}
			broadcast := model.ChatMessage{ID: "s1", ConversationID: "c1", SenderID: me.ID, Text: "hi", Timestamp: 7}
			delivered := out
			delivered.State = model.SendDelivered
			delivered.ServerID = "s1"
			delivered.Timestamp = 7

			if tt.broadcastFirst {
				fx.push(broadcast)
				fx.room.ResolveOutgoing(delivered)
			} else {
				fx.room.ResolveOutgoing(delivered)
				fx.push(broadcast)
			}

			pane := fx.room.State().Pane
			if len(pane) != 1 {
				t.Fatalf("pane = %+v, want one bubble", pane)
			}
			if pane[0].LocalID != "l1" || pane[0].State != model.SendDelivered || pane[0].ServerID != "s1" {
				t.Errorf("bubble = %+v", pane[0])
			}
		})
	}
}

func TestAppendOutgoingOutsideJoinedConversation(t *testing.T) {
	fx := newFixture(t)
	if fx.room.AppendOutgoing(model.OutgoingMessage{LocalID: "l1", ConversationID: "c1"}) {
		t.Error("message shown without a joined conversation")
	}
}

func TestSeed(t *testing.T) {
	fx := newFixture(t)
	fx.srv.reply[EventGetConversations] = func(transport.Frame) (string, string) {
		return `{"conversations":[{"conversationId":"c1","lastMessageAt":1},{"conversationId":"c2","lastMessageAt":2,"unreadCount":4}]}`, ""
	}
	ch, unsub := fx.bus.Subscribe(bus.KindRoomSeeded, 4)
	defer unsub()

	if err := fx.room.Seed(context.Background()); err != nil {
		t.Fatal(err)
	}
	previews := fx.room.Previews()
	if len(previews) != 2 || previews[0].ConversationID != "c2" || previews[0].UnreadCount != 4 {
		t.Errorf("previews = %+v", previews)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Error("room.seeded not published")
	}
}

func TestSeedFallsBackToREST(t *testing.T) {
	fx := newFixture(t)
	fx.srv.reply[EventGetConversations] = func(transport.Frame) (string, string) { return "", "unavailable" }
	fx.fetch.list = []model.ConversationPreview{{ConversationID: "r1"}}

	if err := fx.room.Seed(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p := fx.room.Previews(); len(p) != 1 || p[0].ConversationID != "r1" {
		t.Errorf("previews = %+v", p)
	}
}

func TestMarkRead(t *testing.T) {
	fx := newFixture(t)
	if err := fx.room.MarkRead(context.Background()); !errors.Is(err, ErrNoConversation) {
		t.Errorf("err = %v, want ErrNoConversation", err)
	}

	fx.push(model.ChatMessage{ID: "m1", ConversationID: "c1", SenderID: "p1", Timestamp: 1})
	fx.push(model.ChatMessage{ID: "m2", ConversationID: "c1", SenderID: "p1", Timestamp: 2})
	if err := fx.room.SelectConversation(context.Background(), "c1", "p1"); err != nil {
		t.Fatal(err)
	}
	if err := fx.room.MarkRead(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p := fx.room.Previews(); p[0].UnreadCount != 0 {
		t.Errorf("badge = %d, want 0", p[0].UnreadCount)
	}
	fx.sink.mu.Lock()
	defer fx.sink.mu.Unlock()
	if fmt.Sprint(fx.sink.calls) != "[c1:2]" {
		t.Errorf("receipts = %v, want [c1:2]", fx.sink.calls)
	}
}

func TestResyncRejoinsAndClearsOnFailure(t *testing.T) {
	fx := newFixture(t)
	if err := fx.room.SelectConversation(context.Background(), "c1", "p1"); err != nil {
		t.Fatal(err)
	}

	fx.room.Resync(context.Background())
	waitFor(t, func() bool {
		n := 0
		for _, e := range fx.srv.events() {
			if e == "joinConversation:c1" {
				n++
			}
		}
		return n == 2
	})
	if _, ok := fx.room.Active(); !ok {
		t.Fatal("successful rejoin dropped the session")
	}

	fx.srv.mu.Lock()
	fx.srv.reply[EventJoinConversation] = func(transport.Frame) (string, string) { return "", "gone" }
	fx.srv.mu.Unlock()
	fx.room.Resync(context.Background())
	waitFor(t, func() bool {
		_, ok := fx.room.Active()
		return !ok
	})
	if fx.room.State().Error == "" {
		t.Error("rejoin failure left no error banner")
	}
}

func TestHistoryMergesJournalAndOutgoing(t *testing.T) {
	msgs := []model.ChatMessage{
		{ID: "s1", ConversationID: "c1", SenderID: "p1", Text: "hello", Timestamp: 1},
		{ID: "s2", ConversationID: "c1", SenderID: me.ID, Text: "mine", Timestamp: 3},
	}
	out := []model.OutgoingMessage{
		{LocalID: "l1", ServerID: "s2", ConversationID: "c1", Text: "mine", State: model.SendDelivered, CreatedAt: 2, Timestamp: 3},
		{LocalID: "l2", ConversationID: "c1", Text: "lost", State: model.SendFailed, CreatedAt: 4},
	}
	entries := history(msgs, out, me.ID)
	if len(entries) != 3 {
		t.Fatalf("entries = %+v, want 3", entries)
	}
	if entries[0].ServerID != "s1" || entries[1].LocalID != "l1" || entries[2].LocalID != "l2" {
		t.Errorf("order = %+v", entries)
	}
	if entries[2].State != model.SendFailed {
		t.Error("failed entry lost its state")
	}
}

type recorder struct {
	mu       sync.Mutex
	messages []string
	previews map[string]model.ConversationPreview
}

func (r *recorder) IngestMessage(_ context.Context, identity string, m model.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, identity+"/"+m.ID)
	return nil
}

func (r *recorder) IngestPreview(_ context.Context, _ string, p model.ConversationPreview) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.previews == nil {
		r.previews = make(map[string]model.ConversationPreview)
	}
	r.previews[p.ConversationID] = p
	return nil
}

func TestIncomingIsRecordedBeforeReturning(t *testing.T) {
	fx := newFixture(t)
	rec := &recorder{}
	fx.room.recorder = rec

	for i := range 500 {
		fx.push(model.ChatMessage{ID: fmt.Sprintf("m%d", i), ConversationID: "c9", SenderID: "p9", Text: "x", Timestamp: int64(i)})
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.messages) != 500 || rec.messages[0] != me.Key()+"/m0" {
		t.Errorf("recorded %d messages, first %v", len(rec.messages), rec.messages[:min(1, len(rec.messages))])
	}
	if p := rec.previews["c9"]; p.UnreadCount != 500 || p.LastMessageAt != 499 {
		t.Errorf("preview = %+v, want 500 unread up to 499", p)
	}
}
