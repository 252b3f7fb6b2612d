package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"portraitforge/internal/infra"
	"portraitforge/internal/infra/credentials"
)

// Seeds or rotates stored credentials without restarting the API. Values set
// through the environment still win at startup; this tool covers deployments
// that keep secrets in the database instead.
func main() {
	var (
		secretFlag string
		kindFlag   string
	)
	flag.StringVar(&secretFlag, "secret", "", "secret value (falls back to environment)")
	flag.StringVar(&kindFlag, "kind", "provider", "credential to set: provider or webhook")
	flag.Parse()

	kind := strings.TrimSpace(strings.ToLower(kindFlag))
	switch kind {
	case "provider", "webhook":
	default:
		fmt.Fprintf(os.Stderr, "unsupported credential kind %q\n", kindFlag)
		os.Exit(1)
	}

	secret := strings.TrimSpace(secretFlag)
	if secret == "" {
		switch kind {
		case "webhook":
			secret = strings.TrimSpace(os.Getenv("WEBHOOK_SECRET"))
		default:
			secret = strings.TrimSpace(os.Getenv("PROVIDER_API_KEY"))
		}
	}
	if secret == "" {
		fmt.Fprintf(os.Stderr, "%s secret is required via -secret or environment\n", kind)
		os.Exit(1)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "credential").Str("kind", kind).Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	ctxExec, cancelExec := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelExec()
	var persistErr error
	switch kind {
	case "webhook":
		persistErr = store.SetWebhookSecret(ctxExec, secret)
	default:
		persistErr = store.SetProviderAPIKey(ctxExec, secret)
	}
	if persistErr != nil {
		fmt.Fprintf(os.Stderr, "failed to persist %s credential: %v\n", kind, persistErr)
		os.Exit(1)
	}

	fmt.Printf("%s credential stored\n", kind)
}
