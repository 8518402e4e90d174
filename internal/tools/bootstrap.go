package tools

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/coreclaw/coreclaw/internal/audit"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

// MetaKV keys for bootstrap state.
const (
	metaBootstrapUsed     = "admin_bootstrap_used"
	metaBootstrapFailures = "admin_bootstrap_failed_attempts"
	metaBootstrapLock     = "admin_bootstrap_lock_until"
)

// Bootstrap implements the one-time admin elevation protocol: a shared key,
// a bounded number of attempts, and a lockout window.
type Bootstrap struct {
	cfg      *config.Config
	store    *storage.Store
	recorder *audit.Recorder

	now func() time.Time
}

// NewBootstrap creates the protocol handler.
func NewBootstrap(cfg *config.Config, store *storage.Store, recorder *audit.Recorder) *Bootstrap {
	return &Bootstrap{cfg: cfg, store: store, recorder: recorder, now: time.Now}
}

// Attempt verifies a presented bootstrap key and elevates the chat on
// success. Every path is audited; the presented key never is.
func (b *Bootstrap) Attempt(ctx context.Context, chatFk int64, presentedKey string) error {
	deny := func(reason string) error {
		b.recorder.Record(ctx, audit.KindBootstrap, "chat.register", audit.OutcomeDenied, reason, nil)
		return fmt.Errorf("admin bootstrap rejected: %s", reason)
	}

	if b.cfg.AdminBootstrapKey == "" {
		return deny("no bootstrap key configured")
	}
	if used, err := b.store.GetMeta(ctx, metaBootstrapUsed); err == nil && used == "1" {
		return deny("bootstrap already used")
	}
	admins, err := b.store.CountAdmins(ctx)
	if err != nil {
		return fmt.Errorf("count admins: %w", err)
	}
	if admins > 0 {
		return deny("an admin already exists")
	}

	now := b.now()
	if lockStr, err := b.store.GetMeta(ctx, metaBootstrapLock); err == nil {
		if lockMs, parseErr := strconv.ParseInt(lockStr, 10, 64); parseErr == nil && lockMs > now.UnixMilli() {
			return deny(fmt.Sprintf("locked out until %s", time.UnixMilli(lockMs).Format(time.RFC3339)))
		}
	}

	if presentedKey != b.cfg.AdminBootstrapKey {
		failures := 1
		if s, err := b.store.GetMeta(ctx, metaBootstrapFailures); err == nil {
			if prev, parseErr := strconv.Atoi(s); parseErr == nil {
				failures = prev + 1
			}
		}
		if err := b.store.SetMeta(ctx, metaBootstrapFailures, strconv.Itoa(failures)); err != nil {
			return fmt.Errorf("record bootstrap failure: %w", err)
		}
		if failures >= b.cfg.AdminBootstrapMaxAttempts {
			lockUntil := now.Add(time.Duration(b.cfg.AdminBootstrapLockoutMinutes) * time.Minute)
			if err := b.store.SetMeta(ctx, metaBootstrapLock, strconv.FormatInt(lockUntil.UnixMilli(), 10)); err != nil {
				return fmt.Errorf("record bootstrap lockout: %w", err)
			}
			if err := b.store.SetMeta(ctx, metaBootstrapFailures, "0"); err != nil {
				return fmt.Errorf("reset bootstrap failures: %w", err)
			}
		}
		return deny("invalid bootstrap key")
	}

	if err := b.store.SetMeta(ctx, metaBootstrapFailures, "0"); err != nil {
		return fmt.Errorf("clear bootstrap failures: %w", err)
	}
	if err := b.store.RegisterChat(ctx, chatFk, storage.RoleAdmin); err != nil {
		return fmt.Errorf("elevate chat: %w", err)
	}
	if b.cfg.AdminBootstrapSingleUse {
		if err := b.store.SetMeta(ctx, metaBootstrapUsed, "1"); err != nil {
			return fmt.Errorf("mark bootstrap used: %w", err)
		}
	}
	b.recorder.Record(ctx, audit.KindBootstrap, "chat.register", audit.OutcomeOK, "admin elevated", nil)
	return nil
}
