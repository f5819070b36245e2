package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/unifytwin/plugin-manager/pkg/model"
	"github.com/unifytwin/plugin-manager/pkg/notify"
	"github.com/unifytwin/plugin-manager/pkg/orchestrator"
)

// follow polls the orchestrator after an apply until the deployment reports
// terminal, then records the outcome and notifies. Polling has no hard
// deadline; deleting the version cancels the context.
func (c *Controller) follow(ctx context.Context, v *model.PluginVersion, userID string) {
	name := v.DeploymentName()
	interval := c.PollEvery
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		status, err := c.Orch.Status(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.Log.Warn("status poll failed", zap.String("deployment", name), zap.Error(err))
		} else {
			switch status.State {
			case orchestrator.AggregateCompleted:
				c.markRunning(ctx, v, status, userID)
				return
			case orchestrator.AggregateError:
				c.markDeployFailed(ctx, v, status, userID)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (c *Controller) markRunning(ctx context.Context, v *model.PluginVersion, status *orchestrator.DeploymentStatus, userID string) {
	if status.Replicas == 0 {
		v.DeploymentStatus = model.StatusStopped
	} else {
		v.DeploymentStatus = model.StatusRunning
		v.Status = "running"
	}
	c.persist(ctx, v)
	c.Notifier.Push(userID, notify.NewEvent(
		fmt.Sprintf("Plugin: %s has been deployed successfully", v.Name),
		string(v.PluginType), v.PluginID))
	pipelineRuns.WithLabelValues("running").Inc()

	if v.PluginType == model.TypeWidget {
		c.cacheWidgetStyles(ctx, v)
	}
}

func (c *Controller) markDeployFailed(ctx context.Context, v *model.PluginVersion, status *orchestrator.DeploymentStatus, userID string) {
	for _, pod := range status.Pods {
		for _, container := range pod.Containers {
			if container.State == orchestrator.ContainerError {
				v.Errors = append(v.Errors, fmt.Sprintf("%s %s", container.Reason, container.Message))
			}
		}
	}
	v.DeploymentStatus = model.StatusFailed
	v.Status = bannerDeployFail
	c.persist(ctx, v)

	if err := c.Orch.Teardown(ctx, v.DeploymentName()); err != nil {
		c.Log.Warn("teardown after failed rollout", zap.String("plugin", v.PluginID), zap.Error(err))
	}
	c.Notifier.Push(userID, notify.NewEvent(
		fmt.Sprintf("Plugin: %s deployment failed", v.Name),
		string(v.PluginType), v.PluginID).Failure())
	pipelineRuns.WithLabelValues("failed").Inc()
}

// cacheWidgetStyles fetches the widget's style bundle through the gateway
// and caches it on the version record. Best-effort.
func (c *Controller) cacheWidgetStyles(ctx context.Context, v *model.PluginVersion) {
	if c.HomeLink == "" || v.ProxyPath == "" {
		return
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	url := c.HomeLink + v.ProxyPath + "widget/load_styles"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		c.Log.Warn("widget style fetch failed", zap.String("plugin", v.PluginID), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	var body struct {
		Status string `json:"status"`
		Data   any    `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status != "success" {
		return
	}
	if v.Information == nil {
		v.Information = map[string]any{}
	}
	v.Information["styles"] = body.Data
	c.persist(ctx, v)
}
