package main

import (
	"campus-chat/auth"
	"campus-chat/domain"
	"campus-chat/errors"
	"campus-chat/repositories"
	"campus-chat/services"
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
)

// Config holds the subset of the server configuration the seeder needs.
type Config struct {
	LogLevel          string        `env:"LOG_LEVEL,default=INFO"`
	BadgerFilepath    string        `env:"BADGER_FILEPATH,required=true"`
	AuthSecret        string        `env:"AUTH_SECRET,required=true"`
	AuthIssuer        string        `env:"AUTH_ISSUER,default=campus-chat"`
	AuthTokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Seed error: %v\n", err)
		os.Exit(1)
	}
}

// run registers every "directoryID=Display Name[=contact]" argument in the
// identity directory and prints a connection token for each of them.
// Existing directory ids keep their identity id.
func run(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: seed S1001=Alice S1002=Bob=bob@campus.edu")
	}

	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() { _ = db.Close() }()

	tokenizer, err := auth.NewTokenizer(config.AuthSecret, config.AuthIssuer, config.AuthTokenDuration)
	if err != nil {
		return err
	}
	identities := repositories.NewIdentityRepository(db, log)
	authService := services.NewAuthService(identities, tokenizer)
	ctx := context.Background()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Directory ID", "Name", "Identity ID", "Token"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)

	for _, arg := range fs.Args() {
		parts := strings.SplitN(arg, "=", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("invalid identity %q", arg)
		}
		identity := domain.Identity{DirectoryID: domain.DirectoryID(parts[0]), DisplayName: parts[1]}
		if len(parts) == 3 {
			identity.Contact = parts[2]
		}

		existing, err := identities.LookupByDirectoryID(ctx, identity.DirectoryID)
		switch {
		case err == nil:
			identity.ID = existing.ID
		case stderrors.Is(err, errors.ErrIdentityNotFound):
			identity.ID = domain.IdentityID(uuid.NewString())
		default:
			return err
		}
		if err = identities.SaveIdentity(identity); err != nil {
			return fmt.Errorf("save %s: %w", identity.DirectoryID, err)
		}

		token, err := authService.IssueToken(ctx, identity.DirectoryID)
		if err != nil {
			return err
		}
		table.Append([]string{string(identity.DirectoryID), identity.DisplayName, string(identity.ID), token.String()})
	}
	table.Render()
	return nil
}
