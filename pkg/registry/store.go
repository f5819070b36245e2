// Package registry is the durable keyed store for plugin versions, git
// credentials, and scan reports. Documents are created-or-updated whole;
// invariants are maintained by keying, not by cross-document transactions.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/model"
)

// Store holds every keyed collection.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
}

// New connects the store.
func New(addr, password string, db int, log *zap.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("metadata store unreachable: %w", err)
	}
	return &Store{rdb: rdb, log: log}, nil
}

// NewWithClient wires an existing client (tests).
func NewWithClient(rdb *redis.Client, log *zap.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

// Close releases the connection.
func (s *Store) Close() error { return s.rdb.Close() }

func versionKey(pluginID string, version float64) string {
	return "plugin:" + pluginID + ":" + strconv.FormatFloat(version, 'g', -1, 64)
}

func versionsKey(pluginID string) string { return "plugin:" + pluginID + ":versions" }

func gitTargetKey(id string) string { return "gittarget:" + id }

func gitTargetRefsKey(id string) string { return "gittarget-refs:" + id }

func scanReportKey(pluginID string) string { return "scanreport:" + pluginID }

const (
	pluginIndexKey    = "plugins:index"
	gitTargetIndexKey = "gittargets:index"
	pluginNamePrefix  = "plugin-name:"
)

// ────────────────────────────────────────────────────────────────────────────
// Plugin versions
// ────────────────────────────────────────────────────────────────────────────

// Upsert is the single create-or-update primitive for a version document.
// The whole document is written; callers never choose insert vs update.
func (s *Store) Upsert(ctx context.Context, v *model.PluginVersion) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, versionKey(v.PluginID, v.Version), raw, 0)
	pipe.ZAdd(ctx, versionsKey(v.PluginID), redis.Z{Score: v.Version, Member: formatVersion(v.Version)})
	pipe.SAdd(ctx, pluginIndexKey, v.PluginID)
	pipe.Set(ctx, pluginNamePrefix+v.Name, v.PluginID, 0)
	if v.GitTargetID != "" {
		pipe.SAdd(ctx, gitTargetRefsKey(v.GitTargetID), v.PluginID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func formatVersion(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Fetch returns the exact (pluginID, version) document.
func (s *Store) Fetch(ctx context.Context, pluginID string, version float64) (*model.PluginVersion, error) {
	raw, err := s.rdb.Get(ctx, versionKey(pluginID, version)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.Ef(apperrors.KindNotFound, "plugin %s version %s not found", pluginID, formatVersion(version))
		}
		return nil, err
	}
	v := &model.PluginVersion{}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}

// FetchCurrent collapses a plugin to the row whose version is the recorded
// current version, falling back to the lowest stored version for records
// that predate the field.
func (s *Store) FetchCurrent(ctx context.Context, pluginID string) (*model.PluginVersion, error) {
	versions, err := s.Versions(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, apperrors.Ef(apperrors.KindNotFound, "plugin %s not found", pluginID)
	}
	for _, ver := range versions {
		v, err := s.Fetch(ctx, pluginID, ver)
		if err != nil {
			continue
		}
		if v.Current != 0 && v.Current == v.Version {
			return v, nil
		}
	}
	return s.Fetch(ctx, pluginID, versions[0])
}

// Versions lists a plugin's stored versions in ascending numeric order.
func (s *Store) Versions(ctx context.Context, pluginID string) ([]float64, error) {
	members, err := s.rdb.ZRangeWithScores(ctx, versionsKey(pluginID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(members))
	for _, m := range members {
		out = append(out, m.Score)
	}
	sort.Float64s(out)
	return out, nil
}

// SetCurrent marks one version as current across all of a plugin's rows,
// clearing the designation everywhere else.
func (s *Store) SetCurrent(ctx context.Context, pluginID string, current float64) error {
	versions, err := s.Versions(ctx, pluginID)
	if err != nil {
		return err
	}
	for _, ver := range versions {
		v, err := s.Fetch(ctx, pluginID, ver)
		if err != nil {
			return err
		}
		v.Current = current
		if err := s.Upsert(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// IDByName resolves a plugin name to its ID, for the name-collision check.
func (s *Store) IDByName(ctx context.Context, name string) (string, error) {
	id, err := s.rdb.Get(ctx, pluginNamePrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

// DeleteVersion removes one version document and its index entries.
func (s *Store) DeleteVersion(ctx context.Context, pluginID string, version float64) error {
	v, err := s.Fetch(ctx, pluginID, version)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			return nil
		}
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, versionKey(pluginID, version))
	pipe.ZRem(ctx, versionsKey(pluginID), formatVersion(version))
	if v.GitTargetID != "" {
		pipe.SRem(ctx, gitTargetRefsKey(v.GitTargetID), pluginID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	remaining, err := s.Versions(ctx, pluginID)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		pipe := s.rdb.TxPipeline()
		pipe.SRem(ctx, pluginIndexKey, pluginID)
		pipe.Del(ctx, versionsKey(pluginID))
		pipe.Del(ctx, pluginNamePrefix+v.Name)
		pipe.Del(ctx, scanReportKey(pluginID))
		_, err = pipe.Exec(ctx)
	}
	return err
}

// Delete removes every version of a plugin.
func (s *Store) Delete(ctx context.Context, pluginID string) error {
	versions, err := s.Versions(ctx, pluginID)
	if err != nil {
		return err
	}
	for _, ver := range versions {
		if err := s.DeleteVersion(ctx, pluginID, ver); err != nil {
			return err
		}
	}
	return nil
}

// PluginIDs lists every registered plugin ID.
func (s *Store) PluginIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, pluginIndexKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// ────────────────────────────────────────────────────────────────────────────
// Git credentials
// ────────────────────────────────────────────────────────────────────────────

// UpsertGitCredential stores a credential. A write whose token equals the
// mask keeps the stored token (the mask is a sentinel, handled only here).
func (s *Store) UpsertGitCredential(ctx context.Context, c *model.GitCredential) error {
	if c.AccessToken == model.TokenMask {
		existing, err := s.GitCredential(ctx, c.ID)
		if err != nil && !apperrors.IsKind(err, apperrors.KindNotFound) {
			return err
		}
		if existing != nil {
			c.AccessToken = existing.AccessToken
		} else {
			return apperrors.Ef(apperrors.KindBadRequest, "masked token on a new credential")
		}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, gitTargetKey(c.ID), raw, 0)
	pipe.SAdd(ctx, gitTargetIndexKey, c.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// GitCredential fetches one credential with its raw token.
func (s *Store) GitCredential(ctx context.Context, id string) (*model.GitCredential, error) {
	raw, err := s.rdb.Get(ctx, gitTargetKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.Ef(apperrors.KindNotFound, "git credential %s not found", id)
		}
		return nil, err
	}
	c := &model.GitCredential{}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GitCredentials lists every stored credential.
func (s *Store) GitCredentials(ctx context.Context) ([]*model.GitCredential, error) {
	ids, err := s.rdb.SMembers(ctx, gitTargetIndexKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*model.GitCredential, 0, len(ids))
	for _, id := range ids {
		c, err := s.GitCredential(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// ReferencingPlugins returns the plugin IDs still pointing at a credential.
func (s *Store) ReferencingPlugins(ctx context.Context, credentialID string) ([]string, error) {
	return s.rdb.SMembers(ctx, gitTargetRefsKey(credentialID)).Result()
}

// DeleteGitCredential removes a credential. It fails while any version
// still references it.
func (s *Store) DeleteGitCredential(ctx context.Context, id string) error {
	if _, err := s.GitCredential(ctx, id); err != nil {
		return err
	}
	refs, err := s.ReferencingPlugins(ctx, id)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return apperrors.Ef(apperrors.KindBadRequest,
			"credential is associated with existing plugins; delete the related plugins first")
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, gitTargetKey(id))
	pipe.SRem(ctx, gitTargetIndexKey, id)
	pipe.Del(ctx, gitTargetRefsKey(id))
	_, err = pipe.Exec(ctx)
	return err
}

// ────────────────────────────────────────────────────────────────────────────
// Scan reports
// ────────────────────────────────────────────────────────────────────────────

// PutScanReport overwrites the plugin's scan report.
func (s *Store) PutScanReport(ctx context.Context, report *model.ScanReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, scanReportKey(report.PluginID), raw, 0).Err()
}

// ScanReport fetches the plugin's last scan report, or nil when none exists.
func (s *Store) ScanReport(ctx context.Context, pluginID string) (*model.ScanReport, error) {
	raw, err := s.rdb.Get(ctx, scanReportKey(pluginID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	report := &model.ScanReport{}
	if err := json.Unmarshal(raw, report); err != nil {
		return nil, err
	}
	return report, nil
}
