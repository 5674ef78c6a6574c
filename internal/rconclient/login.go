package rconclient

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashPassword computes the login.hashed answer for salt, which is the
// hex-encoded salt the server sent: upper-case HEX(MD5(salt || password)).
func HashPassword(salt, password string) (string, error) {
	rawSalt, err := hex.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("could not decode salt: %w", err)
	}

	h := md5.New()
	h.Write(rawSalt)
	h.Write([]byte(password))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// LoginHashed performs the salted login: ask for a salt, answer with the hash.
// the password never goes over the wire.
func (c *Client) LoginHashed(ctx context.Context, password string) error {
	words, err := c.Exec(ctx, "login.hashed")
	if err != nil {
		return fmt.Errorf("could not request salt: %w", err)
	}
	if len(words) != 1 {
		return fmt.Errorf("could not request salt: %w", &CommandError{
			Command: "login.hashed",
			Status:  fmt.Sprintf("expected 1 salt word, got %d", len(words)),
		})
	}

	hash, err := HashPassword(words[0], password)
	if err != nil {
		return err
	}

	if _, err := c.Exec(ctx, "login.hashed", hash); err != nil {
		return fmt.Errorf("could not log in: %w", err)
	}

	c.logger.Info().
		Str("addr", c.addr).
		Msg("logged in")

	return nil
}

func (c *Client) LoginPlainText(ctx context.Context, password string) error {
	if _, err := c.Exec(ctx, "login.plainText", password); err != nil {
		return fmt.Errorf("could not log in: %w", err)
	}

	c.logger.Info().
		Str("addr", c.addr).
		Msg("logged in")

	return nil
}

// EnableEvents asks the server to start pushing events on this connection.
func (c *Client) EnableEvents(ctx context.Context) error {
	if _, err := c.Exec(ctx, "admin.eventsEnabled", "true"); err != nil {
		return fmt.Errorf("could not enable events: %w", err)
	}
	return nil
}
