package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testChat(id string, updatedAt int64) *Chat {
	return &Chat{
		ID:         id,
		Status:     StatusDone,
		SyncStatus: SyncPending,
		CreatedAt:  updatedAt,
		UpdatedAt:  updatedAt,
	}
}

func testMessage(id, chatID string, updatedAt int64) *Message {
	return &Message{
		ID:         id,
		ChatID:     chatID,
		Role:       RoleUser,
		Text:       "hello",
		Status:     StatusDone,
		SyncStatus: SyncPending,
		CreatedAt:  updatedAt,
		UpdatedAt:  updatedAt,
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
}

func TestChatPutGetRoundTrip(t *testing.T) {
	db := testDB(t)

	synced := int64(900)
	c := testChat("c1", 1000)
	c.Title = "Trip planning"
	c.LastMessageAt = 950
	c.LastSynced = &synced
	if err := db.PutChat(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("chat not found")
	}
	if got.Title != "Trip planning" || got.UpdatedAt != 1000 || got.LastMessageAt != 950 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.LastSynced == nil || *got.LastSynced != 900 {
		t.Errorf("last_synced = %v, want 900", got.LastSynced)
	}

	missing, err := db.GetChat("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing chat")
	}
}

func TestListChatsExcludesTombstones(t *testing.T) {
	db := testDB(t)

	if err := db.PutChat(testChat("live", 1000)); err != nil {
		t.Fatal(err)
	}
	dead := testChat("dead", 2000)
	dead.Status = StatusDeleted
	if err := db.PutChat(dead); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != "live" {
		t.Errorf("got %v, want only live chat", chats)
	}

	// Tombstone is still present for sync paths.
	got, err := db.GetChat("dead")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != StatusDeleted {
		t.Error("tombstone should remain readable by id")
	}
}

func TestDirtyChats(t *testing.T) {
	db := testDB(t)

	pend := testChat("p", 100)
	fail := testChat("f", 200)
	fail.SyncStatus = SyncFailed
	done := testChat("d", 300)
	done.SyncStatus = SyncDone
	for _, c := range []*Chat{pend, fail, done} {
		if err := db.PutChat(c); err != nil {
			t.Fatal(err)
		}
	}

	dirty, err := db.DirtyChats()
	if err != nil {
		t.Fatal(err)
	}
	if len(dirty) != 2 {
		t.Fatalf("got %d dirty chats, want 2", len(dirty))
	}
	for _, c := range dirty {
		if c.ID == "d" {
			t.Error("synced chat should not be dirty")
		}
	}
}

func TestChatsUpdatedSince(t *testing.T) {
	db := testDB(t)

	old := testChat("old", 100)
	if err := db.PutChat(old); err != nil {
		t.Fatal(err)
	}
	recent := testChat("recent", 500)
	if err := db.PutChat(recent); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ChatsUpdatedSince(300)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != "recent" {
		t.Errorf("got %v, want only recent", chats)
	}
}

func TestMessagesUpdatedSince(t *testing.T) {
	db := testDB(t)

	old := testMessage("old", "c1", 100)
	if err := db.PutMessage(old); err != nil {
		t.Fatal(err)
	}
	recent := testMessage("recent", "c1", 500)
	if err := db.PutMessage(recent); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.MessagesUpdatedSince(300)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "recent" {
		t.Errorf("got %v, want only recent", msgs)
	}
}

func TestMergeChatsBatchKeepsNewerLocal(t *testing.T) {
	db := testDB(t)

	local := testChat("victim", 300)
	local.Title = "local-newer"
	if err := db.PutChat(local); err != nil {
		t.Fatal(err)
	}

	// An older remote copy arriving after the row moved past it must
	// not win, even though it is part of an otherwise valid batch.
	stale := *testChat("victim", 200)
	stale.Title = "remote-stale"
	stale.SyncStatus = SyncDone
	fresh := *testChat("other", 400)
	if err := db.MergeChatsBatch([]Chat{stale, fresh}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetChat("victim")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "local-newer" || got.UpdatedAt != 300 {
		t.Errorf("older remote clobbered the row: %+v", got)
	}
	if got.SyncStatus != SyncPending {
		t.Errorf("sync_status = %q, want the local pending flag kept", got.SyncStatus)
	}

	// The rest of the batch still lands, and a strictly newer remote
	// copy does overwrite.
	if other, _ := db.GetChat("other"); other == nil {
		t.Fatal("unknown chat in batch not inserted")
	}
	newer := *testChat("victim", 900)
	newer.Title = "remote-newer"
	newer.SyncStatus = SyncDone
	if err := db.MergeChatsBatch([]Chat{newer}); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetChat("victim")
	if got.Title != "remote-newer" || got.SyncStatus != SyncDone {
		t.Errorf("newer remote did not apply: %+v", got)
	}
}

func TestMergeMessagesBatchKeepsNewerLocal(t *testing.T) {
	db := testDB(t)

	local := testMessage("m1", "c1", 300)
	local.Text = "local edit"
	if err := db.PutMessage(local); err != nil {
		t.Fatal(err)
	}

	stale := *testMessage("m1", "c1", 200)
	stale.Text = "stale remote"
	stale.SyncStatus = SyncDone
	if err := db.MergeMessagesBatch([]Message{stale}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "local edit" || got.UpdatedAt != 300 || got.SyncStatus != SyncPending {
		t.Errorf("older remote clobbered the row: %+v", got)
	}
}

func TestAdoptChatGuardsAgainstMidFlightMutation(t *testing.T) {
	db := testDB(t)

	if err := db.PutChat(testChat("c1", 100)); err != nil {
		t.Fatal(err)
	}

	winner := testChat("c1", 500)
	winner.Title = "server winner"
	winner.SyncStatus = SyncDone

	// Adoption keyed to a stale snapshot must not apply.
	applied, err := db.AdoptChat(winner, 90)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("adoption applied against a mismatched updated_at")
	}
	got, _ := db.GetChat("c1")
	if got.UpdatedAt != 100 || got.SyncStatus != SyncPending {
		t.Errorf("row changed by rejected adoption: %+v", got)
	}

	// Keyed to the current snapshot it applies.
	applied, err = db.AdoptChat(winner, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("adoption did not apply against the matching updated_at")
	}
	got, _ = db.GetChat("c1")
	if got.Title != "server winner" || got.UpdatedAt != 500 || got.SyncStatus != SyncDone {
		t.Errorf("adopted row = %+v", got)
	}
}

func TestMessageAttachmentsRoundTrip(t *testing.T) {
	db := testDB(t)

	m := testMessage("m1", "c1", 1000)
	m.Attachments = []Attachment{
		{URL: "https://blob/a.png", Type: "image/png", Name: "a.png", Size: 1234},
		{URL: "https://blob/b.pdf", Type: "application/pdf"},
	}
	if err := db.PutMessage(m); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("message not found")
	}
	if len(got.Attachments) != 2 {
		t.Fatalf("got %d attachments, want 2", len(got.Attachments))
	}
	if got.Attachments[0].URL != "https://blob/a.png" || got.Attachments[0].Size != 1234 {
		t.Errorf("attachment mismatch: %+v", got.Attachments[0])
	}
	if got.Attachments[1].Name != "" {
		t.Errorf("optional name should stay empty, got %q", got.Attachments[1].Name)
	}
}

func TestDirtyMessagesExcludesStreaming(t *testing.T) {
	db := testDB(t)

	eligible := testMessage("ok", "c1", 100)
	typing := testMessage("typing", "c1", 200)
	typing.Status = StatusTyping
	pending := testMessage("pending", "c1", 300)
	pending.Status = StatusPending
	synced := testMessage("synced", "c1", 400)
	synced.SyncStatus = SyncDone
	for _, m := range []*Message{eligible, typing, pending, synced} {
		if err := db.PutMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	dirty, err := db.DirtyMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(dirty) != 1 || dirty[0].ID != "ok" {
		t.Errorf("got %v, want only the finalized pending message", dirty)
	}
}

func TestDeleteChatCascadeAtomic(t *testing.T) {
	db := testDB(t)

	c := testChat("c1", 100)
	c.Status = StatusDeleted
	c.UpdatedAt = 500
	m1 := testMessage("m1", "c1", 100)
	m1.Status = StatusDeleted
	m1.UpdatedAt = 500
	m2 := testMessage("m2", "c1", 100)
	m2.Status = StatusDeleted
	m2.UpdatedAt = 500

	if err := db.PutChat(testChat("c1", 100)); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"m1", "m2"} {
		if err := db.PutMessage(testMessage(id, "c1", 100)); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.DeleteChatCascade(c, []Message{*m1, *m2}); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetChat("c1")
	if got.Status != StatusDeleted {
		t.Error("chat not tombstoned")
	}
	for _, id := range []string{"m1", "m2"} {
		m, _ := db.GetMessage(id)
		if m.Status != StatusDeleted {
			t.Errorf("message %s not tombstoned", id)
		}
		if m.SyncStatus != SyncPending {
			t.Errorf("message %s should be pending after cascade", id)
		}
	}
}

func TestMarkChatSyncedGuardsAgainstNewerMutation(t *testing.T) {
	db := testDB(t)

	if err := db.PutChat(testChat("c1", 1000)); err != nil {
		t.Fatal(err)
	}

	// Mark with the uploaded updated_at applies.
	applied, err := db.MarkChatSynced("c1", 1000, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("mark should apply when updated_at matches")
	}
	got, _ := db.GetChat("c1")
	if got.SyncStatus != SyncDone || got.LastSynced == nil || *got.LastSynced != 2000 {
		t.Errorf("sync bookkeeping not written: %+v", got)
	}

	// A mutation lands, then a stale mark arrives: it must not apply.
	got.UpdatedAt = 3000
	got.SyncStatus = SyncPending
	if err := db.PutChat(got); err != nil {
		t.Fatal(err)
	}
	applied, err = db.MarkChatSynced("c1", 1000, 4000)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("stale mark must not apply over a newer mutation")
	}
	fresh, _ := db.GetChat("c1")
	if fresh.SyncStatus != SyncPending {
		t.Errorf("sync_status = %q, want pending", fresh.SyncStatus)
	}
}

func TestMarkMessageSyncFailed(t *testing.T) {
	db := testDB(t)

	if err := db.PutMessage(testMessage("m1", "c1", 1000)); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageSyncFailed("m1", 1000); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("m1")
	if got.SyncStatus != SyncFailed {
		t.Errorf("sync_status = %q, want failed", got.SyncStatus)
	}

	// Failure recorded against a superseded snapshot is dropped.
	got.UpdatedAt = 2000
	got.SyncStatus = SyncPending
	if err := db.PutMessage(got); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageSyncFailed("m1", 1000); err != nil {
		t.Fatal(err)
	}
	fresh, _ := db.GetMessage("m1")
	if fresh.SyncStatus != SyncPending {
		t.Errorf("sync_status = %q, want pending", fresh.SyncStatus)
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)

	v, err := db.Checkpoint(WatermarkKey)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("unset checkpoint = %q, want empty", v)
	}

	if err := db.SetCheckpoint(WatermarkKey, "12345"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint(WatermarkKey, "67890"); err != nil {
		t.Fatal(err)
	}
	v, err = db.Checkpoint(WatermarkKey)
	if err != nil {
		t.Fatal(err)
	}
	if v != "67890" {
		t.Errorf("checkpoint = %q, want 67890", v)
	}
}

func TestStatusStreaming(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{StatusTyping, true},
		{StatusPending, true},
		{StatusDone, false},
		{StatusFailed, false},
		{StatusDeleted, false},
	}
	for _, tc := range cases {
		if got := tc.status.Streaming(); got != tc.want {
			t.Errorf("Streaming(%q) = %v, want %v", tc.status, got, tc.want)
		}
	}
}
