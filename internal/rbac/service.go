package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// Store resolves role and permission data.
type Store interface {
	ListRoles(ctx context.Context) ([]Role, error)
	UserPermissions(ctx context.Context, userID int64) ([]string, error)
	AssignRole(ctx context.Context, userID, roleID int64) error
	RemoveRole(ctx context.Context, userID, roleID int64) error
}

// Service resolves effective permissions, caching them in Redis.
type Service struct {
	store  Store
	cache  *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewService constructs a Service. A nil cache disables caching.
func NewService(store Store, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: cache, ttl: ttl, logger: logger}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// EffectivePermissions returns deduplicated permission names for a user.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	if perms, ok := s.cached(ctx, userID); ok {
		return perms, nil
	}
	v, err, _ := s.group.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		rows, err := s.store.UserPermissions(ctx, userID)
		if err != nil {
			return nil, err
		}
		perms := normalizePermissions(rows)
		sort.Strings(perms)
		s.remember(ctx, userID, perms)
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// AssignRole assigns a role to the given user.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) error {
	if err := s.store.AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.forget(ctx, userID)
	return nil
}

// RemoveRole removes a role from a user.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID int64) error {
	if err := s.store.RemoveRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.forget(ctx, userID)
	return nil
}

func (s *Service) cached(ctx context.Context, userID int64) ([]string, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, cacheKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("rbac cache read", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		return nil, false
	}
	var perms []string
	if err := json.Unmarshal(raw, &perms); err != nil {
		return nil, false
	}
	return perms, true
}

func (s *Service) remember(ctx context.Context, userID int64, perms []string) {
	if s.cache == nil {
		return
	}
	raw, _ := json.Marshal(perms)
	if err := s.cache.Set(ctx, cacheKey(userID), raw, s.ttl).Err(); err != nil {
		s.logger.Warn("rbac cache write", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

func (s *Service) forget(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKey(userID)).Err(); err != nil {
		s.logger.Warn("rbac cache evict", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

func cacheKey(userID int64) string {
	return fmt.Sprintf("rbac:perms:%d", userID)
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}

// PGStore reads roles from PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// ListRoles returns all roles ordered by name.
func (p *PGStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name, COALESCE(description, '') FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// UserPermissions returns the permission names granted through the user's roles.
func (p *PGStore) UserPermissions(ctx context.Context, userID int64) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT p.name
FROM user_roles ur
JOIN role_permissions rp ON rp.role_id = ur.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE ur.user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	return perms, rows.Err()
}

// AssignRole links a role to a user; assigning twice is a no-op.
func (p *PGStore) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, roleID)
	return err
}

// RemoveRole unlinks a role from a user.
func (p *PGStore) RemoveRole(ctx context.Context, userID, roleID int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
