// seed creates a project with its owner and collaborators and prints a
// ready-to-use WebSocket URL and credentials for each user. It is meant for
// local development against the same database and Redis the server uses.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"studio-collab/internal/auth"
	"studio-collab/internal/config"
	"studio-collab/internal/db"
	"studio-collab/internal/logging"
	"studio-collab/internal/models"
	"studio-collab/internal/repository"
	"studio-collab/internal/session"

	"github.com/segmentio/ksuid"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		projectName   string
		owner         string
		collaborators []string
		public        bool
		tokenTTL      time.Duration
		withSessions  bool
	)

	flags := pflag.NewFlagSet("seed", pflag.ContinueOnError)
	flags.StringVar(&projectName, "project", "Untitled Session", "name of the project to create")
	flags.StringVar(&owner, "owner", "Owner", "display name of the project owner")
	flags.StringSliceVar(&collaborators, "collaborator", nil, "display name of a collaborator (repeatable)")
	flags.BoolVar(&public, "public", false, "make the project readable by any authenticated user")
	flags.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of the printed access tokens")
	flags.BoolVar(&withSessions, "sessions", false, "also create Redis cookie sessions")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.NewGorm(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	var sessions *session.RedisStore
	if withSessions {
		sessions, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer sessions.Close()
	}

	users := repository.NewUserRepository(database.DB)
	projects := repository.NewProjectRepository(database.DB)

	ownerUser := &models.User{DisplayName: owner}
	if err := users.Create(ctx, ownerUser); err != nil {
		return err
	}

	project := &models.Project{Name: projectName, OwnerID: ownerUser.ID, IsPublic: public}
	if err := projects.Create(ctx, project); err != nil {
		return err
	}

	seeded := []*models.User{ownerUser}
	for _, name := range collaborators {
		u := &models.User{DisplayName: name}
		if err := users.Create(ctx, u); err != nil {
			return err
		}
		if err := projects.AddCollaborator(ctx, project.ID, u.ID, models.RoleEditor); err != nil {
			return err
		}
		seeded = append(seeded, u)
	}

	slog.Info("project seeded", "project_id", project.ID, "users", len(seeded))

	fmt.Printf("project %s (%s)\n", project.Name, project.ID)
	for _, u := range seeded {
		token, err := auth.IssueAccessToken(cfg.JWTSecret, cfg.JWTIssuer, u.ID, u.DisplayName, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s (%s)\n", u.DisplayName, u.ID)
		fmt.Printf("  ws://%s/ws/projects/%s?%s=%s\n", cfg.Addr(), project.ID, cfg.TokenQueryParam, token)

		if sessions != nil {
			sid := ksuid.New().String()
			if err := sessions.SaveSession(ctx, sid, u.ID, 0); err != nil {
				return err
			}
			fmt.Printf("  cookie %s=%s\n", cfg.SessionCookieName, sid)
		}
	}
	return nil
}
