package cmd

import (
	"fmt"
	"time"

	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/db"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/vault"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo users, accounts and a draft publication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		keys, err := vault.NewKeyring(cfg.Crypto.Key, cfg.Crypto.PreviousKeys...)
		if err != nil {
			return fmt.Errorf("build keyring: %w", err)
		}

		sqlDB, err := db.NewMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, ">> seeding demo users...")
		if err := seedUsers(sqlDB); err != nil {
			return err
		}
		fmt.Fprintln(out, ">> seeding demo accounts...")
		if err := seedAccounts(sqlDB, keys); err != nil {
			return err
		}
		if err := seedPublication(sqlDB); err != nil {
			return err
		}
		fmt.Fprintln(out, ">> seed completed")
		return nil
	},
}

// seedUsers upserts deterministic demo users keyed by api_key.
func seedUsers(dbx *sqlx.DB) error {
	users := []model.User{
		{Name: "Acme Media", Email: "social@acme.test", APIKey: "11111111111111111111111111111111", Status: "active", RateLimitRPS: intptr(20)},
		{Name: "Indie Creator", Email: "me@creator.test", APIKey: "22222222222222222222222222222222", Status: "active", RateLimitRPS: intptr(5)},
		{Name: "Suspended Studio", Email: "ops@suspended.test", APIKey: "33333333333333333333333333333333", Status: "suspended"},
	}

	const q = `
INSERT INTO users
    (name, email, api_key, status, rate_limit_rps, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name           = VALUES(name),
    status         = VALUES(status),
    rate_limit_rps = VALUES(rate_limit_rps),
    updated_at     = VALUES(updated_at)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, u := range users {
		if _, err := tx.Exec(q, u.Name, u.Email, u.APIKey, u.Status, u.RateLimitRPS, now, now); err != nil {
			return fmt.Errorf("insert user %q: %w", u.Email, err)
		}
	}
	return tx.Commit()
}

// seedAccounts connects one account per platform to the first demo user with
// placeholder tokens sealed under the current key.
func seedAccounts(dbx *sqlx.DB, keys *vault.Keyring) error {
	var userID int64
	if err := dbx.Get(&userID, `SELECT id FROM users WHERE api_key = ?`, "11111111111111111111111111111111"); err != nil {
		return fmt.Errorf("load demo user: %w", err)
	}

	const q = `
INSERT INTO accounts
    (user_id, platform, external_id, display_name, access_token, refresh_token, token_expires_at, is_active, metadata)
VALUES
    (?, ?, ?, ?, ?, ?, ?, 1, '{}')
ON DUPLICATE KEY UPDATE
    access_token     = VALUES(access_token),
    refresh_token    = VALUES(refresh_token),
    token_expires_at = VALUES(token_expires_at),
    is_active        = 1,
    failure_count    = 0
`
	expires := time.Now().UTC().Add(2 * time.Hour)
	for _, p := range []model.Platform{model.PlatformTwitter, model.PlatformFacebook, model.PlatformInstagram, model.PlatformYouTube} {
		access, err := keys.Seal("demo-access-" + p.String())
		if err != nil {
			return fmt.Errorf("seal %s access token: %w", p, err)
		}
		refresh, err := keys.Seal("demo-refresh-" + p.String())
		if err != nil {
			return fmt.Errorf("seal %s refresh token: %w", p, err)
		}
		if _, err := dbx.Exec(q, userID, p, "demo-"+p.String(), "Acme on "+p.String(), access, refresh, expires); err != nil {
			return fmt.Errorf("insert %s account: %w", p, err)
		}
	}
	return nil
}

func seedPublication(dbx *sqlx.DB) error {
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
INSERT INTO publications (user_id, title, body, link, status)
SELECT id, 'Hello', 'First post from the demo seed', 'https://example.com', 'draft'
  FROM users WHERE api_key = ?`, "11111111111111111111111111111111")
	if err != nil {
		return fmt.Errorf("insert publication: %w", err)
	}
	pubID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`
INSERT INTO publication_accounts (publication_id, account_id)
SELECT ?, a.id FROM accounts a JOIN users u ON u.id = a.user_id
 WHERE u.api_key = ? AND a.platform IN ('twitter', 'facebook')`, pubID, "11111111111111111111111111111111"); err != nil {
		return fmt.Errorf("insert targets: %w", err)
	}
	return tx.Commit()
}

func intptr(i int) *int { return &i }
