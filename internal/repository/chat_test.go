package repository

import (
	"context"
	"testing"
	"time"

	"parley/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	err = db.AutoMigrate(
		&models.User{},
		&models.Chat{},
		&models.ChatParticipant{},
		&models.Message{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

func createTestUsers(t *testing.T, db *gorm.DB) (*models.User, *models.User) {
	t.Helper()
	alice := &models.User{Name: "Alice", Email: "alice@example.com", PasswordHash: "x"}
	bob := &models.User{Name: "Bob", Email: "bob@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(alice).Error)
	require.NoError(t, db.Create(bob).Error)
	return alice, bob
}

func TestChatRepository_CreateChat(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	alice, bob := createTestUsers(t, db)

	t.Run("creates chat with both participants", func(t *testing.T) {
		chat, err := repo.CreateChat(ctx, alice.ID, bob.ID)
		assert.NoError(t, err)
		assert.NotEmpty(t, chat.ID)
		assert.Len(t, chat.Participants, 2)
		assert.True(t, chat.HasParticipant(alice.ID))
		assert.True(t, chat.HasParticipant(bob.ID))
	})

	t.Run("duplicate pair returns existing chat", func(t *testing.T) {
		first, err := repo.CreateChat(ctx, alice.ID, bob.ID)
		if err != nil {
			// Created by the previous subtest
			assert.ErrorIs(t, err, ErrChatExists)
		}

		// Reversed order resolves to the same chat
		second, err := repo.CreateChat(ctx, bob.ID, alice.ID)
		assert.ErrorIs(t, err, ErrChatExists)
		assert.Equal(t, first.ID, second.ID)
	})
}

func TestChatRepository_GetChatByParticipants(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	alice, bob := createTestUsers(t, db)

	created, err := repo.CreateChat(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	t.Run("order independent lookup", func(t *testing.T) {
		chat, err := repo.GetChatByParticipants(ctx, bob.ID, alice.ID)
		assert.NoError(t, err)
		assert.Equal(t, created.ID, chat.ID)
	})

	t.Run("missing pair", func(t *testing.T) {
		_, err := repo.GetChatByParticipants(ctx, alice.ID, "nonexistent")
		assert.True(t, models.IsCode(err, models.CodeNotFound))
	})
}

func TestChatRepository_ListChatsForUser(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	alice, bob := createTestUsers(t, db)
	carol := &models.User{Name: "Carol", Email: "carol@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(carol).Error)

	chatAB, err := repo.CreateChat(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	chatAC, err := repo.CreateChat(ctx, alice.ID, carol.ID)
	require.NoError(t, err)

	// A message in the older chat makes it the most recent
	msg := &models.Message{ChatID: chatAB.ID, SenderID: alice.ID, Content: "hi"}
	msg.CreatedAt = time.Now().Add(time.Minute)
	require.NoError(t, repo.SaveMessage(ctx, msg))

	chats, err := repo.ListChatsForUser(ctx, alice.ID)
	assert.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, chatAB.ID, chats[0].ID)
	assert.Equal(t, chatAC.ID, chats[1].ID)

	// Bob only sees the chat he participates in
	bobChats, err := repo.ListChatsForUser(ctx, bob.ID)
	assert.NoError(t, err)
	require.Len(t, bobChats, 1)
	assert.Equal(t, chatAB.ID, bobChats[0].ID)
}

func TestChatRepository_SaveMessage(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	alice, bob := createTestUsers(t, db)

	chat, err := repo.CreateChat(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	t.Run("persists with generated id and SENT status", func(t *testing.T) {
		msg := &models.Message{ChatID: chat.ID, SenderID: alice.ID, Content: "hello"}
		err := repo.SaveMessage(ctx, msg)
		assert.NoError(t, err)
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, models.StatusSent, msg.Status)
	})

	t.Run("honours client-assigned id", func(t *testing.T) {
		msg := &models.Message{ID: "client-id-1", ChatID: chat.ID, SenderID: alice.ID, Content: "hey"}
		err := repo.SaveMessage(ctx, msg)
		assert.NoError(t, err)
		assert.Equal(t, "client-id-1", msg.ID)
	})

	t.Run("duplicate id is a conflict", func(t *testing.T) {
		msg := &models.Message{ID: "client-id-1", ChatID: chat.ID, SenderID: alice.ID, Content: "again"}
		err := repo.SaveMessage(ctx, msg)
		assert.True(t, models.IsCode(err, models.CodeConflict))
	})
}

func TestChatRepository_ListMessages(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	alice, bob := createTestUsers(t, db)

	chat, err := repo.CreateChat(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	for i, content := range []string{"first", "second", "third"} {
		msg := &models.Message{ChatID: chat.ID, SenderID: alice.ID, Content: content}
		msg.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.SaveMessage(ctx, msg))
	}

	t.Run("chronological order", func(t *testing.T) {
		msgs, err := repo.ListMessages(ctx, chat.ID, 0, 0)
		assert.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "first", msgs[0].Content)
		assert.Equal(t, "third", msgs[2].Content)
	})

	t.Run("limit returns most recent window oldest first", func(t *testing.T) {
		msgs, err := repo.ListMessages(ctx, chat.ID, 2, 0)
		assert.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "second", msgs[0].Content)
		assert.Equal(t, "third", msgs[1].Content)
	})
}

func TestChatRepository_UpdateMessageStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	alice, bob := createTestUsers(t, db)

	chat, err := repo.CreateChat(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	msg := &models.Message{ChatID: chat.ID, SenderID: alice.ID, Content: "hi"}
	require.NoError(t, repo.SaveMessage(ctx, msg))

	t.Run("forward transition", func(t *testing.T) {
		updated, err := repo.UpdateMessageStatus(ctx, msg.ID, models.StatusDelivered)
		assert.NoError(t, err)
		assert.Equal(t, models.StatusDelivered, updated.Status)
	})

	t.Run("backward transition is a no-op", func(t *testing.T) {
		updated, err := repo.UpdateMessageStatus(ctx, msg.ID, models.StatusDelivered)
		assert.NoError(t, err)
		assert.Equal(t, models.StatusDelivered, updated.Status)
	})

	t.Run("skipping delivered straight to read", func(t *testing.T) {
		fresh := &models.Message{ChatID: chat.ID, SenderID: alice.ID, Content: "skip"}
		require.NoError(t, repo.SaveMessage(ctx, fresh))

		updated, err := repo.UpdateMessageStatus(ctx, fresh.ID, models.StatusRead)
		assert.NoError(t, err)
		assert.Equal(t, models.StatusRead, updated.Status)

		// A late DELIVERED must not regress the row
		updated, err = repo.UpdateMessageStatus(ctx, fresh.ID, models.StatusDelivered)
		assert.NoError(t, err)
		assert.Equal(t, models.StatusRead, updated.Status)
	})

	t.Run("unknown message", func(t *testing.T) {
		_, err := repo.UpdateMessageStatus(ctx, "missing", models.StatusDelivered)
		assert.True(t, models.IsCode(err, models.CodeNotFound))
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := repo.UpdateMessageStatus(ctx, msg.ID, models.MessageStatus("BOGUS"))
		assert.True(t, models.IsCode(err, models.CodeValidation))
	})
}

func TestChatRepository_ListUndeliveredFor(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()
	alice, bob := createTestUsers(t, db)

	chat, err := repo.CreateChat(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	older := &models.Message{ChatID: chat.ID, SenderID: alice.ID, Content: "older"}
	older.CreatedAt = base
	require.NoError(t, repo.SaveMessage(ctx, older))

	newer := &models.Message{ChatID: chat.ID, SenderID: alice.ID, Content: "newer"}
	newer.CreatedAt = base.Add(time.Minute)
	require.NoError(t, repo.SaveMessage(ctx, newer))

	// Bob's own message never shows up in his undelivered backlog
	own := &models.Message{ChatID: chat.ID, SenderID: bob.ID, Content: "mine"}
	require.NoError(t, repo.SaveMessage(ctx, own))

	msgs, err := repo.ListUndeliveredFor(ctx, bob.ID)
	assert.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "older", msgs[0].Content)
	assert.Equal(t, "newer", msgs[1].Content)

	// Delivered messages drop out of the backlog
	_, err = repo.UpdateMessageStatus(ctx, older.ID, models.StatusDelivered)
	require.NoError(t, err)

	msgs, err = repo.ListUndeliveredFor(ctx, bob.ID)
	assert.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "newer", msgs[0].Content)
}
