package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/nerrad567/gray-logic-mirror/internal/auth"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/config"
)

// runToken mints a relay access token and writes it to out.
//
// The signing secret comes from --secret, then GRAYLOGIC_JWT_SECRET, then
// the configuration file. The TTL defaults to security.jwt.access_token_ttl.
func runToken(args []string, out io.Writer) error {
	var (
		subject string
		role    string
		rooms   []string
		ttl     int
		secret  string
	)

	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.StringVar(&subject, "subject", "", "token subject, e.g. the consumer name (required)")
	flagSet.StringVar(&role, "role", string(auth.RoleViewer), "role: viewer, operator or admin")
	flagSet.StringSliceVar(&rooms, "rooms", nil, "comma-separated rooms the token is limited to (default: all rooms)")
	flagSet.IntVar(&ttl, "ttl", 0, "lifetime in minutes (default: from config)")
	flagSet.StringVar(&secret, "secret", "", "signing secret (default: GRAYLOGIC_JWT_SECRET or config)")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return fmt.Errorf("unexpected argument: %s", extra[0])
	}
	if subject == "" {
		return errors.New("--subject is required")
	}

	if secret == "" {
		secret = os.Getenv("GRAYLOGIC_JWT_SECRET")
	}
	if secret == "" || ttl == 0 {
		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if secret == "" {
			secret = cfg.Security.JWT.Secret
		}
		if ttl == 0 {
			ttl = cfg.Security.JWT.AccessTokenTTL
		}
	}

	token, err := auth.GenerateAccessToken(subject, auth.Role(role), rooms, secret, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}
