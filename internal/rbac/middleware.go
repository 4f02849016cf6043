package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fieldstone-cmms/fieldstone/internal/authz"
	"github.com/fieldstone-cmms/fieldstone/internal/platform/httpx"
	"github.com/fieldstone-cmms/fieldstone/internal/shared"
)

// DecisionRecorder counts guard outcomes. *observability.Metrics
// satisfies it; nil disables recording.
type DecisionRecorder interface {
	RecordAuthzDecision(permission, outcome string)
}

// Guard is the authoritative server-side enforcement point. Handlers
// call RequirePermission before any state-mutating work; the chi
// wrappers place the same check in front of whole route groups. Every
// failure path denies: a store outage is never an implicit allow.
type Guard struct {
	Engine  *authz.Engine
	Logger  *slog.Logger
	Metrics DecisionRecorder
}

// RequirePermission returns nil when the principal holds the permission
// and ErrForbidden otherwise. Engine failures pass through wrapped in
// ErrStoreUnavailable or ErrUnknownPermission; callers must treat any
// non-nil result as a denial.
func (g Guard) RequirePermission(ctx context.Context, principalID int64, perm authz.Permission) error {
	ok, err := g.Engine.Can(ctx, principalID, perm)
	if err != nil {
		g.record(string(perm), "error")
		if errors.Is(err, authz.ErrUnknownPermission) {
			g.log().Error("authz check against unknown permission",
				slog.String("permission", string(perm)), slog.Any("error", err))
		} else {
			g.log().Error("authz store read failed, denying",
				slog.Int64("principal_id", principalID),
				slog.String("permission", string(perm)), slog.Any("error", err))
		}
		return err
	}
	if !ok {
		g.record(string(perm), "deny")
		g.log().Debug("authz denied",
			slog.Int64("principal_id", principalID), slog.String("permission", string(perm)))
		return fmt.Errorf("%w: principal %d lacks %s", authz.ErrForbidden, principalID, perm)
	}
	g.record(string(perm), "allow")
	return nil
}

// Require gates a route group on a single permission.
func (g Guard) Require(perm authz.Permission) func(http.Handler) http.Handler {
	g.Engine.Catalog().MustHave(perm)
	return g.middleware(string(perm), func(ctx context.Context, principalID int64) (bool, error) {
		return g.Engine.Can(ctx, principalID, perm)
	})
}

// RequireAny gates a route group on holding at least one permission.
func (g Guard) RequireAny(perms ...authz.Permission) func(http.Handler) http.Handler {
	g.Engine.Catalog().MustHave(perms...)
	return g.middleware(joinPerms(perms), func(ctx context.Context, principalID int64) (bool, error) {
		return g.Engine.CanAny(ctx, principalID, perms...)
	})
}

// RequireAll gates a route group on holding every permission.
func (g Guard) RequireAll(perms ...authz.Permission) func(http.Handler) http.Handler {
	g.Engine.Catalog().MustHave(perms...)
	return g.middleware(joinPerms(perms), func(ctx context.Context, principalID int64) (bool, error) {
		return g.Engine.CanAll(ctx, principalID, perms...)
	})
}

func (g Guard) middleware(label string, check func(context.Context, int64) (bool, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				g.record(label, "deny")
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			allowed, err := check(r.Context(), principalID)
			if err != nil {
				g.record(label, "error")
				g.log().Error("authz middleware check failed, denying",
					slog.Int64("principal_id", principalID),
					slog.String("permission", label), slog.Any("error", err))
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
				return
			}
			if !allowed {
				g.record(label, "deny")
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
				return
			}
			g.record(label, "allow")
			next.ServeHTTP(w, r)
		})
	}
}

func (g Guard) record(permission, outcome string) {
	if g.Metrics != nil {
		g.Metrics.RecordAuthzDecision(permission, outcome)
	}
}

func (g Guard) log() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func joinPerms(perms []authz.Permission) string {
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}
