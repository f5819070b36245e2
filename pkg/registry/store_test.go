package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb, zap.NewNop())
}

func storedVersion(id string, version float64) *model.PluginVersion {
	return &model.PluginVersion{
		PluginID:         id,
		Version:          version,
		ProjectID:        "proj1",
		Name:             "wx-" + id,
		PluginType:       model.TypeWidget,
		RegistrationType: model.RegistrationGit,
		ContainerPort:    8080,
		DeploymentStatus: model.StatusPending,
		Resources:        model.ResourceBudget{Replicas: 1},
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Upsert / fetch / versions
// ────────────────────────────────────────────────────────────────────────────

func TestUpsertAndFetch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	v := storedVersion("p1", 1)
	require.NoError(t, s.Upsert(ctx, v))

	got, err := s.Fetch(ctx, "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, "wx-p1", got.Name)
	assert.Equal(t, model.StatusPending, got.DeploymentStatus)

	// Upsert is create-or-update: same key, new state.
	v.DeploymentStatus = model.StatusRunning
	require.NoError(t, s.Upsert(ctx, v))
	got, err = s.Fetch(ctx, "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.DeploymentStatus)
}

func TestFetchMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.Fetch(context.Background(), "ghost", 1)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestVersionsAscending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, ver := range []float64{2.5, 1, 10} {
		require.NoError(t, s.Upsert(ctx, storedVersion("p1", ver)))
	}
	versions, err := s.Versions(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5, 10}, versions)
}

func TestFetchCurrentCollapse(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	v1 := storedVersion("p1", 1)
	v2 := storedVersion("p1", 2)
	v2.Current = 2
	require.NoError(t, s.Upsert(ctx, v1))
	require.NoError(t, s.Upsert(ctx, v2))

	got, err := s.FetchCurrent(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.Version)
}

func TestFetchCurrentFallsBackToFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, storedVersion("p1", 3)))
	require.NoError(t, s.Upsert(ctx, storedVersion("p1", 1)))

	got, err := s.FetchCurrent(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Version)
}

func TestSetCurrentIsExclusive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, storedVersion("p1", 1)))
	require.NoError(t, s.Upsert(ctx, storedVersion("p1", 2)))

	require.NoError(t, s.SetCurrent(ctx, "p1", 2))

	count := 0
	for _, ver := range []float64{1, 2} {
		v, err := s.Fetch(ctx, "p1", ver)
		require.NoError(t, err)
		if v.Current == v.Version {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one version may be current")
}

// ────────────────────────────────────────────────────────────────────────────
// Delete
// ────────────────────────────────────────────────────────────────────────────

func TestDeleteVersionCleansIndexes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, storedVersion("p1", 1)))

	require.NoError(t, s.DeleteVersion(ctx, "p1", 1))
	_, err := s.Fetch(ctx, "p1", 1)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	ids, err := s.PluginIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Deleting again is fine.
	require.NoError(t, s.DeleteVersion(ctx, "p1", 1))
}

// ────────────────────────────────────────────────────────────────────────────
// Git credentials
// ────────────────────────────────────────────────────────────────────────────

func credential() *model.GitCredential {
	return &model.GitCredential{
		ID:          "t1",
		Name:        "corp-github",
		BaseURL:     "https://github.com/acme/",
		Username:    "acme-bot",
		AccessToken: "tok-secret",
	}
}

func TestGitCredentialMaskKeepsToken(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertGitCredential(ctx, credential()))

	update := credential()
	update.Name = "corp-github-renamed"
	update.AccessToken = model.TokenMask
	require.NoError(t, s.UpsertGitCredential(ctx, update))

	got, err := s.GitCredential(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "tok-secret", got.AccessToken, "masked write must keep the stored token")
	assert.Equal(t, "corp-github-renamed", got.Name)
}

func TestGitCredentialMaskOnNewFails(t *testing.T) {
	s := testStore(t)
	c := credential()
	c.AccessToken = model.TokenMask
	err := s.UpsertGitCredential(context.Background(), c)
	assert.True(t, apperrors.IsKind(err, apperrors.KindBadRequest))
}

func TestDeleteCredentialInUse(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertGitCredential(ctx, credential()))

	v := storedVersion("p1", 1)
	v.GitTargetID = "t1"
	require.NoError(t, s.Upsert(ctx, v))

	err := s.DeleteGitCredential(ctx, "t1")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindBadRequest))
	assert.Contains(t, err.Error(), "associated")

	// After the referencing version goes away, the delete succeeds.
	require.NoError(t, s.DeleteVersion(ctx, "p1", 1))
	require.NoError(t, s.DeleteGitCredential(ctx, "t1"))
	_, err = s.GitCredential(ctx, "t1")
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

// ────────────────────────────────────────────────────────────────────────────
// Scan reports
// ────────────────────────────────────────────────────────────────────────────

func TestScanReportOverwrite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	report, err := s.ScanReport(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, report, "missing report is nil, not an error")

	require.NoError(t, s.PutScanReport(ctx, &model.ScanReport{
		PluginID:  "p1",
		Antivirus: map[string]string{"Infected files": "3"},
	}))
	require.NoError(t, s.PutScanReport(ctx, &model.ScanReport{
		PluginID: "p1",
		SAST:     []model.SASTFinding{{Rule: "S1234"}},
	}))

	report, err = s.ScanReport(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, report.Antivirus, "reports are overwritten per run")
	assert.Len(t, report.SAST, 1)
}

// ────────────────────────────────────────────────────────────────────────────
// Listing
// ────────────────────────────────────────────────────────────────────────────

func TestListCollapsesAndFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	v1 := storedVersion("p1", 1)
	v2 := storedVersion("p1", 2)
	v2.Current = 2
	v2.DeploymentStatus = model.StatusRunning
	require.NoError(t, s.Upsert(ctx, v1))
	require.NoError(t, s.Upsert(ctx, v2))

	other := storedVersion("p2", 1)
	other.PluginType = model.TypeMicroservice
	require.NoError(t, s.Upsert(ctx, other))

	result, err := s.List(ctx, ListRequest{Records: 10})
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
	assert.Equal(t, 2, result.Total)
	assert.True(t, result.EndOfRecords)

	// p1 collapsed to its current version.
	for _, row := range result.Rows {
		if row.PluginID == "p1" {
			assert.Equal(t, float64(2), row.Version)
			assert.Contains(t, row.DisabledActions, model.ActionStart)
		}
	}

	filtered, err := s.List(ctx, ListRequest{PluginType: model.TypeMicroservice, Records: 10})
	require.NoError(t, err)
	assert.Len(t, filtered.Rows, 1)
	assert.Equal(t, "p2", filtered.Rows[0].PluginID)

	count, err := s.Count(ctx, ListRequest{PluginType: model.TypeMicroservice})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestListPagination(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Upsert(ctx, storedVersion(id, 1)))
	}
	page, err := s.List(ctx, ListRequest{StartRow: 0, Records: 2})
	require.NoError(t, err)
	assert.Len(t, page.Rows, 2)
	assert.False(t, page.EndOfRecords)

	page, err = s.List(ctx, ListRequest{StartRow: 2, Records: 2})
	require.NoError(t, err)
	assert.Len(t, page.Rows, 1)
	assert.True(t, page.EndOfRecords)
}
