package tools

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strconv"
	"time"

	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/store"
)

// MetaKV keys for the admin-bootstrap state machine (spec.md §4.6).
const (
	metaBootstrapFailedAttempts = "admin_bootstrap_failed_attempts"
	metaBootstrapLockUntil      = "admin_bootstrap_lock_until"
	metaBootstrapUsed           = "admin_bootstrap_used"
)

// AdminBootstrap implements the one-time (or multi-use) protocol that
// elevates the first chat to the admin role using a shared secret, with a
// failed-attempt lockout. There is no teacher precedent for this state
// machine; it is built fresh against spec.md's literal rules, keeping its
// used flag and lockout state in the MetaKV store.
type AdminBootstrap struct {
	store *store.Storage
	cfg   *config.Config
}

func NewAdminBootstrap(st *store.Storage, cfg *config.Config) *AdminBootstrap {
	return &AdminBootstrap{store: st, cfg: cfg}
}

// Elevate attempts to promote chatFK to role=admin given a presented
// bootstrap key. It returns a *coreerr.PolicyDeniedError-compatible plain
// error describing why elevation was refused, or nil on success.
func (ab *AdminBootstrap) Elevate(ctx context.Context, chatFK, presentedKey string) error {
	if ab.cfg.AdminBootstrapKey == "" {
		return fmt.Errorf("admin bootstrap not configured")
	}

	used, _, err := ab.store.GetMeta(ctx, metaBootstrapUsed)
	if err != nil {
		return fmt.Errorf("bootstrap: read used flag: %w", err)
	}
	if used == "true" {
		return fmt.Errorf("admin bootstrap protocol is closed")
	}

	exists, err := ab.store.AnyAdminExists(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: admin existence check: %w", err)
	}
	if exists {
		return fmt.Errorf("an admin chat already exists")
	}

	now := time.Now().UnixMilli()
	lockUntil, err := ab.readInt64(ctx, metaBootstrapLockUntil)
	if err != nil {
		return err
	}
	if lockUntil > now {
		return fmt.Errorf("admin bootstrap locked until %s", time.UnixMilli(lockUntil).Format(time.RFC3339))
	}

	if subtle.ConstantTimeCompare([]byte(presentedKey), []byte(ab.cfg.AdminBootstrapKey)) != 1 {
		return ab.recordFailure(ctx, now)
	}

	if err := ab.store.SetMeta(ctx, metaBootstrapFailedAttempts, "0"); err != nil {
		return fmt.Errorf("bootstrap: clear failures: %w", err)
	}
	if err := ab.store.SetChatRole(ctx, chatFK, "admin"); err != nil {
		return fmt.Errorf("bootstrap: elevate chat: %w", err)
	}
	if ab.cfg.AdminBootstrapSingleUse {
		if err := ab.store.SetMeta(ctx, metaBootstrapUsed, "true"); err != nil {
			return fmt.Errorf("bootstrap: set used flag: %w", err)
		}
	}
	return nil
}

func (ab *AdminBootstrap) recordFailure(ctx context.Context, now int64) error {
	attempts, err := ab.readInt(ctx, metaBootstrapFailedAttempts)
	if err != nil {
		return err
	}
	attempts++
	if err := ab.store.SetMeta(ctx, metaBootstrapFailedAttempts, strconv.Itoa(attempts)); err != nil {
		return fmt.Errorf("bootstrap: record failure: %w", err)
	}
	if attempts >= ab.cfg.AdminBootstrapMaxAttempts {
		lockUntil := now + int64(ab.cfg.AdminBootstrapLockoutMinutes)*60_000
		if err := ab.store.SetMeta(ctx, metaBootstrapLockUntil, strconv.FormatInt(lockUntil, 10)); err != nil {
			return fmt.Errorf("bootstrap: set lockout: %w", err)
		}
		return fmt.Errorf("bootstrap key mismatch, lockout engaged")
	}
	return fmt.Errorf("bootstrap key mismatch")
}

func (ab *AdminBootstrap) readInt(ctx context.Context, key string) (int, error) {
	v, ok, err := ab.store.GetMeta(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("bootstrap: read %s: %w", key, err)
	}
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (ab *AdminBootstrap) readInt64(ctx context.Context, key string) (int64, error) {
	v, ok, err := ab.store.GetMeta(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("bootstrap: read %s: %w", key, err)
	}
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
