package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/appetiteclub/orderdesk/internal/auth"
	"github.com/appetiteclub/orderdesk/internal/config"
)

// Token prints a staff bearer token for restaurant.id signed with
// auth.secret. Handy for curl and for kds without a dev secret.
func Token(cfg *config.Config, out io.Writer) error {
	secret, err := cfg.Require("auth.secret")
	if err != nil {
		return err
	}
	restaurantID, err := cfg.Require("restaurant.id")
	if err != nil {
		return err
	}

	ttl := cfg.DurationOr("auth.ttl", 12*time.Hour)
	token, err := auth.Issue(secret, cfg.StringOr("user.name", "staff"), restaurantID, ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	_, err = fmt.Fprintln(out, token)
	return err
}
