package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/db"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	h, err := db.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(h.Close)

	s := New(h.DB)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func strPtr(s string) *string { return &s }

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	v, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestConnectionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	student := uuid.New()

	_, err := s.GetConnection(ctx, student)
	assert.ErrorIs(t, err, ErrNotFound)

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.SaveConnection(ctx, &models.Connection{
		StudentID:       student,
		Provider:        "google",
		Status:          models.StatusConnected,
		AccountEmail:    "student@example.com",
		AccessTokenEnc:  strPtr("enc-access"),
		RefreshTokenEnc: strPtr("enc-refresh"),
		TokenExpiry:     &expiry,
		Scope:           "mail.read mail.send",
	}))

	c, err := s.GetConnection(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, c.Status)
	assert.Equal(t, "enc-refresh", *c.RefreshTokenEnc)
	require.NotNil(t, c.TokenExpiry)
	assert.WithinDuration(t, expiry, *c.TokenExpiry, time.Second)
	assert.Nil(t, c.LastSyncAt)

	newExpiry := expiry.Add(time.Hour)
	require.NoError(t, s.UpdateTokens(ctx, student, TokenUpdate{AccessTokenEnc: strPtr("enc-access-2"), Expiry: &newExpiry}))
	c, err = s.GetConnection(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, "enc-access-2", *c.AccessTokenEnc)
	assert.Equal(t, "enc-refresh", *c.RefreshTokenEnc, "nil refresh update keeps stored token")

	changed, err := s.MarkExpired(ctx, student)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.MarkExpired(ctx, student)
	require.NoError(t, err)
	assert.False(t, changed)

	syncedAt := time.Now().Truncate(time.Second)
	require.NoError(t, s.MarkSynced(ctx, student, syncedAt))

	changed, err = s.ClearConnection(ctx, student)
	require.NoError(t, err)
	assert.True(t, changed)

	c, err = s.GetConnection(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, c.Status)
	assert.Nil(t, c.AccessTokenEnc)
	assert.Nil(t, c.RefreshTokenEnc)
	assert.Nil(t, c.TokenExpiry)
	require.NotNil(t, c.LastSyncAt)
	assert.WithinDuration(t, syncedAt, *c.LastSyncAt, time.Second)

	changed, err = s.ClearConnection(ctx, student)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.ErrorIs(t, s.UpdateTokens(ctx, student, TokenUpdate{AccessTokenEnc: strPtr("x")}), ErrNotFound)
	assert.ErrorIs(t, s.MarkSynced(ctx, student, time.Now()), ErrNotFound)
}

func TestDiscardAccessToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	student := uuid.New()

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, s.SaveConnection(ctx, &models.Connection{
		StudentID:       student,
		Provider:        "google",
		Status:          models.StatusConnected,
		AccessTokenEnc:  strPtr("enc-access"),
		RefreshTokenEnc: strPtr("enc-refresh"),
		TokenExpiry:     &expiry,
	}))

	// a token refreshed by someone else is not the one that was rejected
	changed, err := s.DiscardAccessToken(ctx, student, "enc-stale")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.DiscardAccessToken(ctx, student, "enc-access")
	require.NoError(t, err)
	assert.True(t, changed)

	c, err := s.GetConnection(ctx, student)
	require.NoError(t, err)
	assert.Nil(t, c.AccessTokenEnc)
	assert.Nil(t, c.TokenExpiry)
	assert.Equal(t, "enc-refresh", *c.RefreshTokenEnc)
	assert.Equal(t, models.StatusConnected, c.Status)
}

func TestConnectedRequiresRefreshToken(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveConnection(context.Background(), &models.Connection{
		StudentID: uuid.New(),
		Provider:  "google",
		Status:    models.StatusConnected,
	})
	assert.Error(t, err)
}

func newMessage(student uuid.UUID, id string) *models.MirroredMessage {
	body := "<p>hello</p>"
	return &models.MirroredMessage{
		StudentID:         student,
		ProviderMessageID: id,
		ThreadID:          "thread-" + id,
		RFCMessageID:      "<" + id + "@mail.example.com>",
		Sender:            "Advisor <advisor@university.edu>",
		Recipient:         "student@example.com",
		Subject:           "Application " + id,
		Snippet:           "hello",
		BodyHTML:          &body,
		Labels:            models.NewLabelSet("INBOX", "UNREAD"),
		ProviderTimestamp: time.Now().Add(-time.Hour).Truncate(time.Millisecond),
	}
}

func TestUpsertMessageNaturalKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	student := uuid.New()

	outcome, err := s.UpsertMessage(ctx, newMessage(student, "m1"))
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)

	outcome, err = s.UpsertMessage(ctx, newMessage(student, "m1"))
	require.NoError(t, err)
	assert.Equal(t, Unchanged, outcome)

	n, err := s.CountMessages(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Same provider id under another student is a distinct row
	outcome, err = s.UpsertMessage(ctx, newMessage(uuid.New(), "m1"))
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
}

func TestUpsertMessageRefreshesMutableFieldsOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	student := uuid.New()

	original := newMessage(student, "m1")
	_, err := s.UpsertMessage(ctx, original)
	require.NoError(t, err)

	changed := newMessage(student, "m1")
	changed.Labels = models.NewLabelSet("INBOX")
	changed.ThreadID = "other-thread"
	changed.ProviderTimestamp = time.Now()
	outcome, err := s.UpsertMessage(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)
	assert.Equal(t, original.ID, changed.ID)

	got, err := s.GetMessage(ctx, student, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.LabelSet{"INBOX"}, got.Labels)
	assert.Equal(t, "thread-m1", got.ThreadID)
	assert.WithinDuration(t, original.ProviderTimestamp, got.ProviderTimestamp, time.Millisecond)
}

func TestListMessagesFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	student := uuid.New()

	a := newMessage(student, "a")
	a.Labels = models.NewLabelSet("IMPORTANT", "INBOX")
	a.Sender = "Admissions <admissions@college.edu>"
	b := newMessage(student, "b")
	b.Labels = models.NewLabelSet("PORT", "CATEGORY_UPDATES")
	b.ThreadID = "thread-a"
	c := newMessage(student, "c")
	c.Labels = models.NewLabelSet("CATEGORYXUPDATES")
	for _, m := range []*models.MirroredMessage{a, b, c} {
		_, err := s.UpsertMessage(ctx, m)
		require.NoError(t, err)
	}

	got, err := s.ListMessages(ctx, student, MessageQuery{Label: "PORT"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ProviderMessageID)

	got, err = s.ListMessages(ctx, student, MessageQuery{Label: "CATEGORY_UPDATES"})
	require.NoError(t, err)
	require.Len(t, got, 1, "underscore must not act as a wildcard")
	assert.Equal(t, "b", got[0].ProviderMessageID)

	got, err = s.ListMessages(ctx, student, MessageQuery{SenderContains: "COLLEGE.edu"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ProviderMessageID)

	got, err = s.ListMessages(ctx, student, MessageQuery{ThreadID: "thread-a"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListMessages(ctx, student, MessageQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestTagsAndNotes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	student := uuid.New()

	m := newMessage(student, "m1")
	_, err := s.UpsertMessage(ctx, m)
	require.NoError(t, err)

	tag := &models.Tag{Name: "visa", Color: "#f00"}
	require.NoError(t, s.CreateTag(ctx, tag))
	assert.ErrorIs(t, s.CreateTag(ctx, &models.Tag{Name: "visa"}), ErrDuplicate)

	got, err := s.GetTag(ctx, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, "#f00", got.Color)
	_, err = s.GetTag(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.TagMessage(ctx, m.ID, tag.ID))
	require.NoError(t, s.TagMessage(ctx, m.ID, tag.ID))
	tags, err := s.MessageTags(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "visa", tags[0].Name)

	require.NoError(t, s.UntagMessage(ctx, m.ID, tag.ID))
	tags, err = s.MessageTags(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, tags)

	require.NoError(t, s.AddNote(ctx, &models.InternalNote{MessageID: m.ID, Author: "staff-1", Body: "follow up"}))
	notes, err := s.ListNotes(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "follow up", notes[0].Body)

	assert.Error(t, s.AddNote(ctx, &models.InternalNote{MessageID: uuid.New(), Author: "x", Body: "orphan"}))
}

func TestFolders(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	student := uuid.New()

	f := &models.SavedFilter{StudentID: student, Name: "Universities", SenderMatch: ".edu"}
	require.NoError(t, s.CreateFolder(ctx, f))
	assert.ErrorIs(t, s.CreateFolder(ctx, &models.SavedFilter{StudentID: student, Name: "Universities", SenderMatch: "x"}), ErrDuplicate)

	folders, err := s.ListFolders(ctx, student)
	require.NoError(t, err)
	require.Len(t, folders, 1)

	got, err := s.GetFolder(ctx, student, f.ID)
	require.NoError(t, err)
	assert.Equal(t, ".edu", got.SenderMatch)

	_, err = s.GetFolder(ctx, uuid.New(), f.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteFolder(ctx, student, f.ID))
	assert.ErrorIs(t, s.DeleteFolder(ctx, student, f.ID), ErrNotFound)
}

func TestAuditAndPurge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	student := uuid.New()

	require.NoError(t, s.SaveConnection(ctx, &models.Connection{
		StudentID: student, Provider: "google", Status: models.StatusConnected, RefreshTokenEnc: strPtr("r"),
	}))
	m := newMessage(student, "m1")
	_, err := s.UpsertMessage(ctx, m)
	require.NoError(t, err)
	require.NoError(t, s.AddNote(ctx, &models.InternalNote{MessageID: m.ID, Author: "a", Body: "b"}))

	require.NoError(t, s.InsertAudit(ctx, &models.AuditEntry{Actor: "staff-1", StudentID: student, Action: models.ActionConnect, Message: "connected"}))
	require.NoError(t, s.InsertAudit(ctx, &models.AuditEntry{Actor: "staff-1", StudentID: student, Action: models.ActionDisconnect, Message: "disconnected"}))

	entries, err := s.ListAudit(ctx, student, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, s.PurgeStudent(ctx, student))
	_, err = s.GetConnection(ctx, student)
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := s.CountMessages(ctx, student)
	require.NoError(t, err)
	assert.Zero(t, n)
	notes, err := s.ListNotes(ctx, m.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)

	entries, err = s.ListAudit(ctx, student, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "audit trail outlives the student data")
}

func TestLikePattern(t *testing.T) {
	assert.Equal(t, `100\%\_a\\b`, likePattern(`100%_a\b`))
}
