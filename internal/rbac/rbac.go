// Package rbac wraps store.RBACRepository with the authorization check the
// file gateway needs: does userID have read/write access to path.
package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentctl/runctl/internal/apperr"
	"github.com/agentctl/runctl/internal/domain"
	"github.com/agentctl/runctl/internal/store"
)

// Checker answers path-scoped read/write authorization questions.
type Checker struct {
	repo store.RBACRepository
}

// New builds a Checker.
func New(repo store.RBACRepository) *Checker {
	return &Checker{repo: repo}
}

// PutPolicy grants userID the given access to everything under pathPrefix.
func (c *Checker) PutPolicy(ctx context.Context, userID, pathPrefix string, canRead, canWrite bool) error {
	if err := c.repo.PutPolicy(ctx, &domain.RBACPolicy{
		UserID: userID, PathPrefix: pathPrefix, CanRead: canRead, CanWrite: canWrite,
	}); err != nil {
		return apperr.Internal(fmt.Errorf("put rbac policy: %w", err))
	}
	return nil
}

// CanRead reports whether userID may read path, choosing the most specific
// matching policy's PathPrefix (longest prefix wins).
func (c *Checker) CanRead(ctx context.Context, userID, path string) (bool, error) {
	p, err := c.bestMatch(ctx, userID, path)
	if err != nil {
		return false, err
	}
	return p != nil && p.CanRead, nil
}

// CanWrite reports whether userID may write path, same matching rule as
// CanRead.
func (c *Checker) CanWrite(ctx context.Context, userID, path string) (bool, error) {
	p, err := c.bestMatch(ctx, userID, path)
	if err != nil {
		return false, err
	}
	return p != nil && p.CanWrite, nil
}

func (c *Checker) bestMatch(ctx context.Context, userID, path string) (*domain.RBACPolicy, error) {
	policies, err := c.repo.PoliciesForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list rbac policies: %w", err))
	}

	var best *domain.RBACPolicy
	for _, p := range policies {
		if !strings.HasPrefix(path, p.PathPrefix) {
			continue
		}
		if best == nil || len(p.PathPrefix) > len(best.PathPrefix) {
			best = p
		}
	}
	return best, nil
}
