package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/builder"
	"github.com/unifytwin/plugin-manager/pkg/kubeflow"
	"github.com/unifytwin/plugin-manager/pkg/model"
	"github.com/unifytwin/plugin-manager/pkg/notify"
)

// Env keys with schedule semantics; they configure the run instead of
// becoming pipeline parameters.
const (
	envRecurringRun   = "RECURRING_RUN"
	envCronExpression = "CRON_EXPRESSION"
	envIntervalSec    = "INTERVAL_SECONDS"
	envSpecFile       = "deployment_yaml"
)

// ScheduleFromEnv extracts the run schedule and the remaining pipeline
// parameters from the version's plain env entries.
func ScheduleFromEnv(env []model.EnvVar) (kubeflow.Schedule, map[string]string) {
	sched := kubeflow.Schedule{}
	params := map[string]string{}
	for _, e := range env {
		if e.Kind != model.EnvPlain {
			continue
		}
		switch e.Key {
		case envRecurringRun:
			recurring, _ := strconv.ParseBool(e.Value)
			sched.Recurring = recurring
		case envCronExpression:
			sched.CronExpression = e.Value
		case envIntervalSec:
			interval, _ := strconv.ParseInt(e.Value, 10, 64)
			sched.IntervalSeconds = interval
		case envSpecFile:
			// handled by specFile; not a parameter
		default:
			params[e.Key] = e.Value
		}
	}
	if !sched.Recurring {
		sched.CronExpression = ""
		sched.IntervalSeconds = 0
	}
	return sched, params
}

// specFile resolves the pipeline spec path inside the working tree, from
// the version's env override or the default name.
func specFile(workDir string, env []model.EnvVar) string {
	name := kubeflow.SpecFileName
	for _, e := range env {
		if e.Kind == model.EnvPlain && e.Key == envSpecFile && e.Value != "" {
			name = e.Value
		}
	}
	return filepath.Join(workDir, name)
}

// runKubeflow is the pipeline-platform branch of the state machine: an
// optional image bundle gets loaded and the spec rewritten to the canonical
// tag, then the spec is uploaded as a pipeline version and a run (or
// recurring run) is started.
func (c *Controller) runKubeflow(ctx context.Context, v *model.PluginVersion, workDir, userID string) {
	// An included image tarball is verified, pushed, and the spec's
	// executor images repointed at the registry.
	tarPath := filepath.Join(workDir, builder.ImageTarName)
	if _, err := os.Stat(tarPath); err == nil {
		imageRef, err := c.Loader.LoadAndPush(ctx, workDir, v)
		if err != nil {
			if apperrors.IsKind(err, apperrors.KindSignatureInvalid) {
				v.Status = bannerVerifyFail
			}
			c.fail(ctx, v, userID, "load", err)
			return
		}
		v.SetImageField(imageRef)
		c.persist(ctx, v)

		spec := specFile(workDir, v.Env)
		if err := kubeflow.RewriteImages(spec, imageRef); err != nil {
			c.fail(ctx, v, userID, "pipeline-spec", err)
			return
		}
		if c.ImagePullSecret != "" {
			if err := kubeflow.InjectImagePullSecret(spec, c.ImagePullSecret); err != nil {
				c.fail(ctx, v, userID, "pipeline-spec", err)
				return
			}
		}
	}

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

	spec := specFile(workDir, v.Env)
	if _, err := os.Stat(spec); err != nil {
		c.fail(ctx, v, userID, "pipeline-spec", apperrors.Ef(apperrors.KindPipelineConfig,
			"pipeline configuration file not found: %s", filepath.Base(spec)))
		return
	}

	namespace := c.Kubeflow.Namespace(v.ProjectID)
	versionName := fmt.Sprintf("%s-%s", v.Name, model.FormatVersion(v.Version))
	pipelineID, versionID, err := c.Kubeflow.UploadPipeline(ctx, namespace, v.Name, versionName, spec)
	if err != nil {
		c.fail(ctx, v, userID, "pipeline-upload", err)
		return
	}

	experimentID, err := c.Kubeflow.EnsureExperiment(ctx, namespace, v.Name)
	if err != nil {
		c.fail(ctx, v, userID, "pipeline-experiment", err)
		return
	}
	if err := c.Kubeflow.DisableRecurringRuns(ctx, namespace, v.Name); err != nil {
		c.Log.Warn("disabling prior recurring runs failed",
			zap.String("plugin", v.PluginID), zap.Error(err))
	}

	sched, params := ScheduleFromEnv(v.Env)
	runID, err := c.Kubeflow.StartRun(ctx, experimentID, v.Name, pipelineID, versionID, params, sched)
	if err != nil {
		c.fail(ctx, v, userID, "pipeline-run", err)
		return
	}

	v.DeploymentStatus = model.StatusRunning
	v.Status = "running"
	if v.Information == nil {
		v.Information = map[string]any{}
	}
	v.Information["run_id"] = runID
	c.persist(ctx, v)
	c.Notifier.Push(userID, notify.NewEvent(
		fmt.Sprintf("Plugin: %s has been deployed successfully", v.Name),
		string(v.PluginType), v.PluginID))
	pipelineRuns.WithLabelValues("running").Inc()
}
