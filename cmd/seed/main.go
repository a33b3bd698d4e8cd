// Seeds the database with fake users, chats and message history for local
// development. Not intended for production use.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"parley/internal/config"
	"parley/internal/database"
	"parley/internal/middleware"
	"parley/internal/models"
	"parley/internal/repository"

	"github.com/brianvoe/gofakeit/v6"
	"golang.org/x/crypto/bcrypt"
)

const seedPassword = "password1"

func main() {
	userCount := flag.Int("users", 10, "number of users to create")
	messagesPerChat := flag.Int("messages", 20, "messages per chat")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		middleware.Logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		middleware.Logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx := context.Background()
	userRepo := repository.NewUserRepository(db)
	chatRepo := repository.NewChatRepository(db)

	hash, err := bcrypt.GenerateFromPassword([]byte(seedPassword), bcrypt.DefaultCost)
	if err != nil {
		middleware.Logger.Error("failed to hash seed password", slog.String("error", err.Error()))
		os.Exit(1)
	}

	users := make([]*models.User, 0, *userCount)
	for i := 0; i < *userCount; i++ {
		user := &models.User{
			Name:         gofakeit.Name(),
			Email:        fmt.Sprintf("user%d@%s", i, gofakeit.DomainName()),
			PasswordHash: string(hash),
		}
		if err := userRepo.Create(ctx, user); err != nil {
			middleware.Logger.Warn("skipping user", slog.String("error", err.Error()))
			continue
		}
		users = append(users, user)
	}
	middleware.Logger.Info("seeded users",
		slog.Int("count", len(users)), slog.String("password", seedPassword))

	chats := 0
	messages := 0
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			// Sparse chat graph, not every pair talks
			if !gofakeit.Bool() {
				continue
			}
			chat, err := chatRepo.CreateChat(ctx, users[i].ID, users[j].ID)
			if err != nil {
				middleware.Logger.Warn("skipping chat", slog.String("error", err.Error()))
				continue
			}
			chats++

			for k := 0; k < *messagesPerChat; k++ {
				sender := users[i]
				if gofakeit.Bool() {
					sender = users[j]
				}
				msg := &models.Message{
					ChatID:   chat.ID,
					SenderID: sender.ID,
					Content:  gofakeit.SentenceSimple(),
					Status:   models.StatusRead,
				}
				if err := chatRepo.SaveMessage(ctx, msg); err != nil {
					middleware.Logger.Warn("skipping message", slog.String("error", err.Error()))
					continue
				}
				messages++
			}
		}
	}

	middleware.Logger.Info("seed complete",
		slog.Int("users", len(users)),
		slog.Int("chats", chats),
		slog.Int("messages", messages),
	)
}
