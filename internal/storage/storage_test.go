package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(v string) *string { return &v }

func TestCredentialRotationOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	idA, err := s.InsertCredential(ctx, Credential{TenantID: 1, EncSecret: "enc-a"})
	if err != nil {
		t.Fatalf("insert a: %v", err)
	}
	idB, err := s.InsertCredential(ctx, Credential{TenantID: 1, EncSecret: "enc-b"})
	if err != nil {
		t.Fatalf("insert b: %v", err)
	}

	// touch A so B (never used) should sort first
	if err := s.TouchCredential(ctx, idA); err != nil {
		t.Fatalf("touch a: %v", err)
	}

	creds, err := s.ListActiveCredentials(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	if creds[0].ID != idB || creds[1].ID != idA {
		t.Fatalf("expected never-used credential first, got order %d,%d", creds[0].ID, creds[1].ID)
	}
}

func TestDisabledCredentialExcluded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertCredential(ctx, Credential{TenantID: 1, EncSecret: "enc"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SetCredentialStatus(ctx, 1, id, CredentialDisabled); err != nil {
		t.Fatalf("disable: %v", err)
	}

	creds, err := s.ListActiveCredentials(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(creds) != 0 {
		t.Fatalf("disabled credential must not be listed, got %d", len(creds))
	}
}

func TestActiveLearningMemoryScoping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := []Memory{
		{TenantID: 1, Kind: MemoryKindCore, Content: "core fact"},
		{TenantID: 1, Kind: MemoryKindActiveLearning, Content: "alice likes tea", Platform: strPtr("telegram"), SenderID: strPtr("alice")},
		{TenantID: 1, Kind: MemoryKindActiveLearning, Content: "bob likes coffee", Platform: strPtr("telegram"), SenderID: strPtr("bob")},
		{TenantID: 1, Kind: MemoryKindActiveLearning, Content: "shared fact"},
	}
	for _, m := range entries {
		if err := s.InsertMemory(ctx, m); err != nil {
			t.Fatalf("insert memory: %v", err)
		}
	}

	got, err := s.ListActiveLearningMemories(ctx, 1, "telegram", "alice", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, m := range got {
		if m.Content == "bob likes coffee" {
			t.Fatalf("another sender's scoped memory leaked: %+v", m)
		}
		if m.Kind != MemoryKindActiveLearning {
			t.Fatalf("core memory returned by active-learning query")
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected alice's memory plus the shared one, got %d", len(got))
	}
}

func TestCoreMemoriesNewestFirstCapped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		if err := s.InsertMemory(ctx, Memory{TenantID: 1, Kind: MemoryKindCore, Content: content}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.ListCoreMemories(ctx, 1, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(got))
	}
	if got[0].Content != "third" || got[1].Content != "second" {
		t.Fatalf("expected newest first, got %q, %q", got[0].Content, got[1].Content)
	}
}

func TestRecentEntriesOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, content := range []string{"one", "two", "three", "four"} {
		role := RoleUser
		if i%2 == 1 {
			role = RoleModel
		}
		err := s.AppendConversationEntry(ctx, ConversationLogEntry{
			TenantID:       1,
			ConversationID: "conv-1",
			Platform:       "telegram",
			Role:           role,
			Content:        content,
			ChatType:       ChatTypeGroup,
			GroupID:        "g1",
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.RecentByGroup(ctx, 1, "telegram", "g1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].Content != "two" || got[1].Content != "three" || got[2].Content != "four" {
		t.Fatalf("expected oldest-first window, got %q %q %q", got[0].Content, got[1].Content, got[2].Content)
	}
}

func TestRecentBySenderSkipsGroupRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendConversationEntry(ctx, ConversationLogEntry{
		TenantID: 1, ConversationID: "c1", Platform: "telegram", Role: RoleUser,
		Content: "group message", ChatType: ChatTypeGroup, GroupID: "g1", SenderID: "alice",
	}); err != nil {
		t.Fatalf("append group: %v", err)
	}
	if err := s.AppendConversationEntry(ctx, ConversationLogEntry{
		TenantID: 1, ConversationID: "c2", Platform: "telegram", Role: RoleUser,
		Content: "private message", ChatType: ChatTypePrivate, SenderID: "alice",
	}); err != nil {
		t.Fatalf("append private: %v", err)
	}

	got, err := s.RecentBySender(ctx, 1, "telegram", "alice", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].Content != "private message" {
		t.Fatalf("sender history must only cover private rows, got %+v", got)
	}
}

func TestPersonalitySingleActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertPersonality(ctx, Personality{TenantID: 1, Name: "helper", Prompt: "be helpful", IsActive: true}); err != nil {
		t.Fatalf("insert helper: %v", err)
	}
	if err := s.InsertPersonality(ctx, Personality{TenantID: 1, Name: "pirate", Prompt: "talk like a pirate", IsActive: true}); err != nil {
		t.Fatalf("insert pirate: %v", err)
	}

	active, err := s.GetActivePersonality(ctx, 1)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.Name != "pirate" {
		t.Fatalf("expected last activated personality, got %q", active.Name)
	}

	all, err := s.ListPersonalities(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	activeCount := 0
	for _, p := range all {
		if p.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly one active personality, got %d", activeCount)
	}
}

func TestTenantSettingsDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ts, err := s.GetTenantSettings(ctx, 42)
	if err != nil {
		t.Fatalf("get defaults: %v", err)
	}
	if ts.Temperature != 0.7 || ts.MaxOutputTokens != 1024 {
		t.Fatalf("unexpected defaults: %+v", ts)
	}
	if ts.ToolEnabled("web_search") {
		t.Fatalf("tools default to disabled")
	}

	ts.ToolFlagsJSON = `{"web_search": true}`
	ts.SharedPlatformsJSON = `["telegram"]`
	if err := s.UpsertTenantSettings(ctx, ts); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ts2, err := s.GetTenantSettings(ctx, 42)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if !ts2.ToolEnabled("web_search") || !ts2.PlatformShared("telegram") {
		t.Fatalf("stored settings not round-tripped: %+v", ts2)
	}
}

func TestKnowledgeAppend(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendKnowledge(ctx, 1, "chapter one"); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := s.AppendKnowledge(ctx, 1, "chapter two"); err != nil {
		t.Fatalf("append second: %v", err)
	}

	got, err := s.GetKnowledge(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "chapter one\n\nchapter two" {
		t.Fatalf("unexpected knowledge blob %q", got)
	}
}

func TestPlatformAdmins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.IsPlatformAdmin(ctx, 1, "telegram", "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatalf("unexpected admin before insert")
	}

	if err := s.AddPlatformAdmin(ctx, 1, "telegram", "alice"); err != nil {
		t.Fatalf("add: %v", err)
	}
	ok, err = s.IsPlatformAdmin(ctx, 1, "telegram", "alice")
	if err != nil {
		t.Fatalf("lookup after add: %v", err)
	}
	if !ok {
		t.Fatalf("expected admin after insert")
	}
}
