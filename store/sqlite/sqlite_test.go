package sqlite

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jxucoder/fecoder/model"
	"github.com/jxucoder/fecoder/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addUser(t *testing.T, s *Store, id, email string) *model.User {
	t.Helper()
	u := &model.User{ID: id, Email: email, PasswordHash: "x", CreatedAt: time.Now().UTC()}
	if err := s.CreateUser(u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func TestUserRoundTrip(t *testing.T) {
	s := testStore(t)
	addUser(t, s, "u1", "a@x.io")

	got, err := s.GetUserByEmail("a@x.io")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if got.ID != "u1" {
		t.Errorf("ID = %q, want u1", got.ID)
	}

	if _, err := s.GetUser("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetUser(missing) = %v, want ErrNotFound", err)
	}
}

func TestUniqueEmail(t *testing.T) {
	s := testStore(t)
	addUser(t, s, "u1", "a@x.io")
	err := s.CreateUser(&model.User{ID: "u2", Email: "a@x.io", PasswordHash: "y", CreatedAt: time.Now().UTC()})
	if err == nil {
		t.Fatal("expected unique constraint error for duplicate email")
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := testStore(t)
	addUser(t, s, "u1", "a@x.io")

	sess := &model.Session{
		ID: "s1", UserID: "u1", Status: model.StatusPending,
		CreatedAt: time.Now().UTC(), LastActivity: time.Now().UTC(),
	}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sess.SandboxID = "sbx-1"
	sess.PreviewURL = "https://5173-sbx-1.e2b.app"
	sess.Status = model.StatusReady
	if err := s.UpdateSession(sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got, err := s.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.SandboxID != "sbx-1" || got.Status != model.StatusReady {
		t.Errorf("got %+v, want sandbox sbx-1 status ready", got)
	}
	if got.PreviewURL != "https://5173-sbx-1.e2b.app" {
		t.Errorf("PreviewURL = %q", got.PreviewURL)
	}
}

func TestListSessionsScopedToUser(t *testing.T) {
	s := testStore(t)
	addUser(t, s, "u1", "a@x.io")
	addUser(t, s, "u2", "b@x.io")

	base := time.Now().UTC()
	for i, owner := range []string{"u1", "u2", "u1"} {
		sess := &model.Session{
			ID: "s" + string(rune('1'+i)), UserID: owner, Status: model.StatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Second), LastActivity: base,
		}
		if err := s.CreateSession(sess); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	got, err := s.ListSessions("u1")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sessions, want 2", len(got))
	}
	if got[0].ID != "s3" {
		t.Errorf("newest first: got[0] = %s, want s3", got[0].ID)
	}
}

func TestMessagesWithSteps(t *testing.T) {
	s := testStore(t)
	addUser(t, s, "u1", "a@x.io")
	sess := &model.Session{ID: "s1", UserID: "u1", Status: model.StatusReady, CreatedAt: time.Now().UTC(), LastActivity: time.Now().UTC()}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	user := &model.Message{SessionID: "s1", Role: model.RoleUser, Content: "build a counter", CreatedAt: time.Now().UTC()}
	if err := s.AddMessage(user); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	asst := &model.Message{
		SessionID: "s1", Role: model.RoleAssistant, Content: "Done!",
		Steps: []model.Step{
			{ID: "st1", Type: model.StepTool, Title: "Edited App.tsx", Status: model.StepDone},
			{ID: "st2", Type: model.StepPreview, Title: "Preview ready", Status: model.StepDone, URL: "https://x"},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.AddMessage(asst); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	msgs, err := s.GetMessages("s1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if len(msgs[0].Steps) != 0 {
		t.Errorf("user message should have no steps")
	}
	steps := msgs[1].Steps
	if len(steps) != 2 || steps[0].Title != "Edited App.tsx" || steps[1].URL != "https://x" {
		t.Errorf("steps round trip failed: %+v", steps)
	}
}

func TestRecentMessagesChronological(t *testing.T) {
	s := testStore(t)
	addUser(t, s, "u1", "a@x.io")
	sess := &model.Session{ID: "s1", UserID: "u1", Status: model.StatusReady, CreatedAt: time.Now().UTC(), LastActivity: time.Now().UTC()}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for i := 0; i < 10; i++ {
		m := &model.Message{SessionID: "s1", Role: model.RoleUser, Content: string(rune('a' + i)), CreatedAt: time.Now().UTC()}
		if err := s.AddMessage(m); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	msgs, err := s.RecentMessages("s1", 6)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 6 {
		t.Fatalf("got %d messages, want 6", len(msgs))
	}
	if msgs[0].Content != "e" || msgs[5].Content != "j" {
		t.Errorf("want last 6 in order, got %q..%q", msgs[0].Content, msgs[5].Content)
	}
}

func TestCompleteTurnAtomic(t *testing.T) {
	s := testStore(t)
	addUser(t, s, "u1", "a@x.io")
	sess := &model.Session{ID: "s1", UserID: "u1", Status: model.StatusBusy, CreatedAt: time.Now().UTC(), LastActivity: time.Now().UTC()}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sess.Status = model.StatusReady
	sess.PreviewURL = "https://5173-sbx.e2b.app"
	msg := &model.Message{
		SessionID: "s1", Role: model.RoleAssistant, Content: "done",
		Steps:     []model.Step{{ID: "st1", Type: model.StepTool, Title: "Read App.tsx", Status: model.StepDone}},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CompleteTurn(sess, msg); err != nil {
		t.Fatalf("CompleteTurn: %v", err)
	}
	if msg.ID == 0 {
		t.Error("message ID not set")
	}

	got, err := s.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != model.StatusReady || got.PreviewURL == "" {
		t.Errorf("session not updated with turn: %+v", got)
	}
	msgs, err := s.GetMessages("s1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].Steps) != 1 {
		t.Errorf("assistant message with steps not persisted: %+v", msgs)
	}
}
