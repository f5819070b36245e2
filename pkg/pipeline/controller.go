package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/blobstore"
	"github.com/unifytwin/plugin-manager/pkg/builder"
	"github.com/unifytwin/plugin-manager/pkg/kubeflow"
	"github.com/unifytwin/plugin-manager/pkg/model"
	"github.com/unifytwin/plugin-manager/pkg/notify"
	"github.com/unifytwin/plugin-manager/pkg/orchestrator"
	"github.com/unifytwin/plugin-manager/pkg/registry"
	"github.com/unifytwin/plugin-manager/pkg/scan"
	"github.com/unifytwin/plugin-manager/pkg/source"
)

// Controller sequences acquire → scan → build/load → sign → apply for one
// version per background task, writing every transition back to the
// registry. All collaborators are injected by construction.
type Controller struct {
	Store    *registry.Store
	Blobs    *blobstore.Store
	Acquirer *source.Acquirer
	Builder  *builder.Builder
	Loader   *builder.Loader
	Scanner  *scan.Scanner
	Orch     *orchestrator.Reconciler
	Kubeflow *kubeflow.Client
	Notifier *notify.Notifier
	Queue    *Queue

	GatewayPrefix   string
	ImagePullSecret string
	PollEvery       time.Duration
	VCSOverrides    map[string]string
	HomeLink        string
	HTTPClient      *http.Client
	Download        DownloadDeps

	Log *zap.Logger
}

// Deploy enqueues the pipeline for a version. A second call for the same
// (pluginID, version) while one is in flight coalesces into the first.
func (c *Controller) Deploy(ctx context.Context, pluginID string, version float64, userID string) error {
	if _, err := c.Store.Fetch(ctx, pluginID, version); err != nil {
		return err
	}
	c.Queue.Submit(Key(pluginID, version), func(taskCtx context.Context) {
		c.run(taskCtx, pluginID, version, userID)
	})
	return nil
}

// Banner strings surfaced in the version's status field.
const (
	bannerStarted     = "Deployment Started"
	bannerScanning    = "Scanning in progress"
	bannerAVFailed    = "Antivirus Scan Failed"
	bannerSASTFailed  = "Static Analysis Scan Failed"
	bannerVulnFailed  = "Vulnerability Scan Failed"
	bannerVerifyFail  = "Verification Failed"
	bannerScanOK      = "Scan Successful"
	bannerDeployFail  = "Deployment Failed"
)

// run is the state machine body. Stages return typed errors; the machine
// decides the transition from the outcome, never from panics or logs.
func (c *Controller) run(ctx context.Context, pluginID string, version float64, userID string) {
	pipelinesInFlight.Inc()
	defer pipelinesInFlight.Dec()

	v, err := c.Store.Fetch(ctx, pluginID, version)
	if err != nil {
		c.Log.Error("pipeline start: version vanished", zap.String("plugin", pluginID), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	v.DeploymentStatus = model.StatusPending
	v.Status = bannerStarted
	v.Errors = nil
	v.ScanChecks = model.ScanChecks{}
	v.DeployedBy = userID
	v.DeployedAt = &now
	c.persist(ctx, v)

	var workDir string
	defer func() {
		c.Acquirer.Cleanup(c.Acquirer.PullPath(v))
	}()

	// ── Acquire ────────────────────────────────────────────────────────
	workDir, err = c.acquire(ctx, v)
	if err != nil {
		c.fail(ctx, v, userID, "acquire", err)
		return
	}

	if v.PluginType == model.TypeKubeflow {
		c.runKubeflow(ctx, v, workDir, userID)
		return
	}

	// ── Source scans (not applicable to pre-built images) ──────────────
	if v.RegistrationType != model.RegistrationImage {
		v.DeploymentStatus = model.StatusScanning
		v.Status = bannerScanning
		c.persist(ctx, v)

		if !c.sourceScans(ctx, v, workDir, userID) {
			return
		}
	}

	// ── Build or load ──────────────────────────────────────────────────
	v.DeploymentStatus = model.StatusDeploying
	c.persist(ctx, v)

	var imageRef string
	if v.RegistrationType == model.RegistrationImage {
		imageRef, err = c.Loader.LoadAndPush(ctx, workDir, v)
		if err != nil {
			if apperrors.IsKind(err, apperrors.KindSignatureInvalid) {
				v.Status = bannerVerifyFail
			}
			c.fail(ctx, v, userID, "load", err)
			return
		}
	} else {
		var buildLog string
		imageRef, buildLog, err = c.Builder.Build(ctx, workDir, v)
		if err != nil {
			if buildLog != "" {
				v.Errors = append(v.Errors, buildLog)
			}
			c.fail(ctx, v, userID, "build", err)
			return
		}
	}
	v.SetImageField(imageRef)
	c.persist(ctx, v)

	// ── Image scan ─────────────────────────────────────────────────────
	if !c.imageScan(ctx, v, imageRef, userID) {
		return
	}

	// A verified, scanned image upload implies the source scans.
	if v.RegistrationType == model.RegistrationImage {
		v.ScanChecks.Antivirus = model.Bool(true)
		v.ScanChecks.SAST = model.Bool(true)
		c.persist(ctx, v)
	}

	// ── Catalog-only registrations stop before the orchestrator ───────
	if v.Portal {
		v.DeploymentStatus = model.StatusScanSucceeded
		v.Status = bannerScanOK
		c.persist(ctx, v)
		c.Notifier.Push(userID, notify.NewEvent(
			fmt.Sprintf("Plugin: %s has been scanned successfully", v.Name),
			string(v.PluginType), v.PluginID))
		pipelineRuns.WithLabelValues("scan_succeeded").Inc()
		return
	}

	// ── Apply ──────────────────────────────────────────────────────────
	if err := c.Orch.Apply(ctx, v, imageRef, time.Now()); err != nil {
		c.fail(ctx, v, userID, "apply", err)
		return
	}
	v.ProxyPath = model.ProxyPath(c.GatewayPrefix, v.ProjectID, v.Name)
	c.persist(ctx, v)

	// ── Follow until the orchestrator reports terminal ─────────────────
	c.follow(ctx, v, userID)
}

// acquire materializes the version's sources per its registration type.
func (c *Controller) acquire(ctx context.Context, v *model.PluginVersion) (string, error) {
	switch v.RegistrationType {
	case model.RegistrationGit:
		var stored *model.GitCredential
		if v.GitTargetID != "" {
			var err error
			stored, err = c.Store.GitCredential(ctx, v.GitTargetID)
			if err != nil {
				return "", err
			}
		}
		return c.Acquirer.CloneGit(ctx, v, source.ResolveCredential(v, stored))
	case model.RegistrationArchive, model.RegistrationImage:
		return c.Acquirer.FetchArchive(ctx, v)
	default:
		return "", apperrors.Ef(apperrors.KindBadRequest, "unknown registration type %q", v.RegistrationType)
	}
}

// sourceScans runs antivirus then static analysis, fail-fast. Verdicts are
// written incrementally so readers can watch progress.
func (c *Controller) sourceScans(ctx context.Context, v *model.PluginVersion, workDir, userID string) bool {
	ok, avReport, err := c.Scanner.Antivirus(ctx, workDir, v)
	v.ScanChecks.Antivirus = model.Bool(ok && err == nil)
	c.persist(ctx, v)
	if err != nil || !ok {
		c.putReport(ctx, &model.ScanReport{PluginID: v.PluginID, Antivirus: avReport})
		v.Status = bannerAVFailed
		if err == nil {
			err = apperrors.Ef(apperrors.KindScanInfraFailure, "infected files found in the plugin")
		}
		v.Errors = append(v.Errors, "Infected files found in the plugin.")
		c.fail(ctx, v, userID, "antivirus", err)
		return false
	}

	ok, findings, err := c.Scanner.SAST(ctx, workDir, v)
	v.ScanChecks.SAST = model.Bool(ok && err == nil)
	c.persist(ctx, v)
	if err != nil || !ok {
		c.putReport(ctx, &model.ScanReport{PluginID: v.PluginID, SAST: findings})
		v.Status = bannerSASTFailed
		if err == nil {
			err = apperrors.Ef(apperrors.KindScanInfraFailure, "static analysis findings above threshold")
		}
		v.Errors = append(v.Errors, "Static analysis findings above configured thresholds.")
		c.fail(ctx, v, userID, "sast", err)
		return false
	}
	return true
}

// imageScan runs the vulnerability scan against the pushed image.
func (c *Controller) imageScan(ctx context.Context, v *model.PluginVersion, imageRef, userID string) bool {
	ok, vulns, err := c.Scanner.Vulnerability(ctx, imageRef, v)
	v.ScanChecks.Vulnerability = model.Bool(ok && err == nil)
	v.Status = bannerScanning
	c.persist(ctx, v)
	if err != nil || !ok {
		c.putReport(ctx, &model.ScanReport{PluginID: v.PluginID, Vulnerabilities: vulns})
		v.Status = bannerVulnFailed
		if err == nil {
			err = apperrors.Ef(apperrors.KindScanInfraFailure, "vulnerabilities found at configured severities")
		}
		v.Errors = append(v.Errors, "Vulnerabilities found in the plugin image.")
		c.fail(ctx, v, userID, "vulnerability", err)
		return false
	}
	return true
}

// fail records a terminal failure: errors on the record, failed state, a
// user notification, and a metrics tick.
func (c *Controller) fail(ctx context.Context, v *model.PluginVersion, userID, stage string, err error) {
	c.Log.Error("pipeline stage failed",
		zap.String("plugin", v.PluginID),
		zap.String("stage", stage),
		zap.Error(err))
	v.Errors = append(v.Errors, err.Error())
	v.DeploymentStatus = model.StatusFailed
	if v.Status == bannerStarted || v.Status == bannerScanning {
		v.Status = bannerDeployFail
	}
	c.persist(ctx, v)
	c.Notifier.Push(userID, notify.NewEvent(
		fmt.Sprintf("Error occurred while registering plugin: %s. Check details in Developer Plugins page.", v.Name),
		string(v.PluginType), v.PluginID).Failure())
	pipelineStages.WithLabelValues(stage).Inc()
	pipelineRuns.WithLabelValues("failed").Inc()
}

// persist writes the version back, logging rather than failing the
// pipeline on a store hiccup.
func (c *Controller) persist(ctx context.Context, v *model.PluginVersion) {
	if err := c.Store.Upsert(ctx, v); err != nil {
		c.Log.Error("version persist failed", zap.String("plugin", v.PluginID), zap.Error(err))
	}
}

func (c *Controller) putReport(ctx context.Context, report *model.ScanReport) {
	if err := c.Store.PutScanReport(ctx, report); err != nil {
		c.Log.Error("scan report persist failed", zap.String("plugin", report.PluginID), zap.Error(err))
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Start / stop
// ────────────────────────────────────────────────────────────────────────────

// SetState toggles a plugin between stopped (replicas zero) and running
// (saved replica count), then follows readiness on the way up.
func (c *Controller) SetState(ctx context.Context, pluginID, userID string) (model.DeploymentStatus, error) {
	v, err := c.Store.FetchCurrent(ctx, pluginID)
	if err != nil {
		return "", err
	}
	name := v.DeploymentName()

	if v.DeploymentStatus == model.StatusStopped {
		replicas := v.Resources.Replicas
		if replicas == 0 {
			replicas = 1
		}
		if err := c.Orch.Scale(ctx, name, int32(replicas)); err != nil {
			return "", err
		}
		v.DeploymentStatus = model.StatusRunning
		c.persist(ctx, v)
		c.Queue.Submit(Key(pluginID, v.Version)+"/follow", func(taskCtx context.Context) {
			c.follow(taskCtx, v, userID)
		})
		return model.StatusRunning, nil
	}

	if err := c.Orch.Scale(ctx, name, 0); err != nil {
		return "", err
	}
	v.DeploymentStatus = model.StatusStopped
	c.persist(ctx, v)
	return model.StatusStopped, nil
}

// ────────────────────────────────────────────────────────────────────────────
// Delete
// ────────────────────────────────────────────────────────────────────────────

// Delete tears a plugin down: cancel running work, delete orchestrator
// objects, reclaim blobs best-effort, drop metadata. Partial teardown
// failures are logged, not raised.
func (c *Controller) Delete(ctx context.Context, pluginID, userID string) error {
	versions, err := c.Store.Versions(ctx, pluginID)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return apperrors.Ef(apperrors.KindNotFound, "plugin %s not found", pluginID)
	}
	for _, ver := range versions {
		c.Queue.Cancel(Key(pluginID, ver))
		c.Queue.Cancel(Key(pluginID, ver) + "/follow")
	}

	v, err := c.Store.FetchCurrent(ctx, pluginID)
	if err != nil {
		return err
	}

	if v.PluginType == model.TypeKubeflow {
		ns := c.Kubeflow.Namespace(v.ProjectID)
		if err := c.Kubeflow.DeletePipeline(ctx, ns, v.Name); err != nil {
			c.Log.Warn("pipeline platform delete failed", zap.String("plugin", pluginID), zap.Error(err))
		}
	} else {
		if err := c.Orch.Teardown(ctx, v.DeploymentName()); err != nil {
			c.Log.Warn("teardown failed", zap.String("plugin", pluginID), zap.Error(err))
		}
	}

	if v.ArchiveBlobRef != "" {
		if err := c.Blobs.Delete(ctx, v.ArchiveBlobRef); err != nil {
			c.Log.Warn("blob delete failed", zap.String("key", v.ArchiveBlobRef), zap.Error(err))
		}
	}

	return c.Store.Delete(ctx, pluginID)
}
