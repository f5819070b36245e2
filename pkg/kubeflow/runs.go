package kubeflow

import (
	"context"
	"net/url"

	"github.com/robfig/cron/v3"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
)

// Experiment groups a pipeline's runs.
type Experiment struct {
	ID          string `json:"experiment_id"`
	DisplayName string `json:"display_name"`
}

// EnsureExperiment returns the named experiment, creating it when missing.
func (c *Client) EnsureExperiment(ctx context.Context, namespace, name string) (string, error) {
	if err := c.configured(); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("namespace", namespace)
	var list struct {
		Experiments []Experiment `json:"experiments"`
	}
	if err := c.get(ctx, "/experiments", q, &list); err != nil {
		return "", err
	}
	for _, e := range list.Experiments {
		if e.DisplayName == name {
			return e.ID, nil
		}
	}
	var created Experiment
	err := c.post(ctx, "/experiments", map[string]any{
		"display_name": name,
		"namespace":    namespace,
	}, &created)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// Schedule binds a recurring run to exactly one of a cron expression or an
// interval. Both set, neither set while recurring, or a malformed cron are
// BadSchedule.
type Schedule struct {
	Recurring       bool
	CronExpression  string
	IntervalSeconds int64
}

// Validate enforces the exactly-one rule.
func (s Schedule) Validate() error {
	if !s.Recurring {
		return nil
	}
	if s.CronExpression != "" && s.IntervalSeconds != 0 {
		return apperrors.Ef(apperrors.KindBadSchedule,
			"a recurring run takes a cron expression or an interval, not both")
	}
	if s.CronExpression == "" && s.IntervalSeconds == 0 {
		return apperrors.Ef(apperrors.KindBadSchedule,
			"a recurring run needs a cron expression or an interval")
	}
	if s.CronExpression != "" {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(s.CronExpression); err != nil {
			return apperrors.E(apperrors.KindBadSchedule, "invalid cron expression", err)
		}
	}
	if s.IntervalSeconds < 0 {
		return apperrors.Ef(apperrors.KindBadSchedule, "interval must be positive")
	}
	return nil
}

type versionReference struct {
	PipelineID string `json:"pipeline_id"`
	VersionID  string `json:"pipeline_version_id"`
}

type recurringRun struct {
	ID                       string           `json:"recurring_run_id"`
	DisplayName              string           `json:"display_name"`
	PipelineVersionReference versionReference `json:"pipeline_version_reference"`
}

func (c *Client) listRecurringRuns(ctx context.Context, namespace string) ([]recurringRun, error) {
	q := url.Values{}
	q.Set("namespace", namespace)
	q.Set("page_size", "100")
	var out struct {
		RecurringRuns []recurringRun `json:"recurringRuns"`
	}
	if err := c.get(ctx, "/recurringruns", q, &out); err != nil {
		return nil, err
	}
	return out.RecurringRuns, nil
}

// DisableRecurringRuns disables any prior recurring run carrying the
// plugin's name, so a redeploy replaces its schedule instead of stacking.
func (c *Client) DisableRecurringRuns(ctx context.Context, namespace, name string) error {
	runs, err := c.listRecurringRuns(ctx, namespace)
	if err != nil {
		return err
	}
	for _, rr := range runs {
		if rr.DisplayName == name {
			if err := c.post(ctx, "/recurringruns/"+rr.ID+":disable", map[string]any{}, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// StartRun launches a run bound to the uploaded version: a recurring run
// when the schedule says so, a single run otherwise. It returns the run ID.
func (c *Client) StartRun(ctx context.Context, experimentID, name, pipelineID, versionID string, params map[string]string, sched Schedule) (string, error) {
	if err := c.configured(); err != nil {
		return "", err
	}
	if err := sched.Validate(); err != nil {
		return "", err
	}

	runtimeConfig := map[string]any{"parameters": params}
	ref := versionReference{PipelineID: pipelineID, VersionID: versionID}

	if sched.Recurring {
		trigger := map[string]any{}
		if sched.CronExpression != "" {
			trigger["cron_schedule"] = map[string]any{"cron": sched.CronExpression}
		} else {
			trigger["periodic_schedule"] = map[string]any{"interval_second": sched.IntervalSeconds}
		}
		var out struct {
			ID string `json:"recurring_run_id"`
		}
		err := c.post(ctx, "/recurringruns", map[string]any{
			"display_name":               name,
			"experiment_id":              experimentID,
			"pipeline_version_reference": ref,
			"runtime_config":             runtimeConfig,
			"trigger":                    trigger,
			"mode":                       "ENABLE",
			"max_concurrency":            "1",
		}, &out)
		if err != nil {
			return "", err
		}
		return out.ID, nil
	}

	var out struct {
		ID string `json:"run_id"`
	}
	err := c.post(ctx, "/runs", map[string]any{
		"display_name":               name,
		"experiment_id":              experimentID,
		"pipeline_version_reference": ref,
		"runtime_config":             runtimeConfig,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// RunState fetches a run's terminal/progress state string.
func (c *Client) RunState(ctx context.Context, runID string) (string, error) {
	if err := c.configured(); err != nil {
		return "", err
	}
	var out struct {
		State string `json:"state"`
	}
	if err := c.get(ctx, "/runs/"+runID, nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}
