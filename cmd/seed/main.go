package main

import (
	"agency-crm/auth"
	"agency-crm/contract"
	"agency-crm/domain"
	"agency-crm/errors"
	"agency-crm/gateway"
	"agency-crm/internal"
	"agency-crm/repositories"
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

type account struct {
	email string
	name  string
	role  domain.Role
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Seed failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	password := flag.String("password", "changeme42", "Password given to every seeded account")
	domainName := flag.String("domain", "agency.test", "Email domain of seeded accounts")
	flag.Parse()

	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return err
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer db.Close()

	credentials := repositories.NewCredentialRepository(db)
	gw := gateway.New(log, db, auth.NewTokenIssuer(config.AuthSecret, config.AuthTokenDuration), config.FeedBufferSize)
	ctx := context.Background()

	ids := make(map[domain.Role]string)
	for _, a := range []account{
		{email: "admin@" + *domainName, name: "Agency Admin", role: domain.RoleAdmin},
		{email: "staff@" + *domainName, name: "Sam Staff", role: domain.RoleStaff},
		{email: "client@" + *domainName, name: "Chris Client", role: domain.RoleClient},
	} {
		id, err := seedAccount(ctx, log, credentials, gw, a, *password)
		if err != nil {
			return err
		}
		ids[a.role] = id
	}

	if ids[domain.RoleClient] == "" || ids[domain.RoleStaff] == "" {
		log.Info("Accounts already present, conversation left untouched")
		return nil
	}
	conversation, err := gw.Insert(ctx, contract.TableConversations, contract.Record{
		"client_id": ids[domain.RoleClient],
		"staff_id":  ids[domain.RoleStaff],
	})
	if err != nil {
		return fmt.Errorf("conversation: %w", err)
	}
	_, err = gw.Insert(ctx, contract.TableMessages, contract.Record{
		"conversation_id": conversation.String("id"),
		"sender_id":       ids[domain.RoleStaff],
		"content":         "Welcome! Ask us anything about your order here.",
		"read":            false,
	})
	if err != nil {
		return fmt.Errorf("welcome message: %w", err)
	}
	log.Info("Seed done", "conversation_id", conversation.String("id"))
	return nil
}

// seedAccount returns the new user id, or "" when the email is taken.
func seedAccount(ctx context.Context, log *slog.Logger, credentials repositories.CredentialRepository,
	gw *gateway.Gateway, a account, password string) (string, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", err
	}
	id, err := credentials.CreateCredential(a.email, hash)
	if stderrors.Is(err, errors.ErrUserAlreadyExists) {
		log.Info("Account exists, skipping", "email", a.email)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("credential %s: %w", a.email, err)
	}
	_, err = gw.Insert(ctx, contract.TableProfiles, contract.Record{
		"id":        id,
		"full_name": a.name,
		"role":      string(a.role),
	})
	if err != nil {
		return "", fmt.Errorf("profile %s: %w", a.email, err)
	}
	log.Info("Account seeded", "email", a.email, "role", a.role, "user_id", id)
	return id, nil
}
