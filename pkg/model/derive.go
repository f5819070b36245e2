package model

import (
	"fmt"
	"strings"
)

// TokenMask is the fixed sentinel returned in place of a stored git access
// token. A write that carries exactly this value means "keep the existing
// token"; it is a sentinel, never a value.
const TokenMask = "*********************"

// MaskValue returns a run of '*' the length of v, the read-back form of a
// secure env value.
func MaskValue(v string) string {
	return strings.Repeat("*", len(v))
}

// ProxyPath derives the gateway route prefix for a version:
// "<gatewayPrefix>/plugin/{projectID}/{nameSlug}/api/".
func ProxyPath(gatewayPrefix, projectID, name string) string {
	return fmt.Sprintf("%s/plugin/%s/%s/api/", strings.TrimSuffix(gatewayPrefix, "/"), Slug(projectID), Slug(name))
}

// RoutePath is the route prefix without the gateway segment, the form the
// VirtualRoute matches on.
func RoutePath(projectID, name string) string {
	return fmt.Sprintf("/plugin/%s/%s/api/", Slug(projectID), Slug(name))
}

// CanonicalTag derives the image reference pushed to the registry:
// "{registry}/{nameSlug}-{type}:{version}" with whitespace and underscores
// normalized.
func CanonicalTag(registry, name string, pluginType PluginType, version float64) string {
	return fmt.Sprintf("%s/%s-%s:%s", registry, Slug(name), Slug(string(pluginType)), FormatVersion(version))
}

// FormatVersion renders a decimal version without a trailing ".0" noise
// beyond one decimal place (1 -> "1.0", 1.25 -> "1.25").
func FormatVersion(v float64) string {
	s := fmt.Sprintf("%g", v)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Actions that the UI can disable per row.
const (
	ActionStart    = "start"
	ActionStop     = "pause"
	ActionLogs     = "logs"
	ActionDownload = "artifact_download"
)

// DisabledActions computes the action set a row's status rules out.
func DisabledActions(status DeploymentStatus, pluginType PluginType) []string {
	var out []string
	seen := map[string]bool{}
	add := func(a string) {
		if !seen[a] {
			out = append(out, a)
			seen[a] = true
		}
	}

	if status != StatusDeploying && status != StatusRunning {
		add(ActionDownload)
	}
	switch status {
	case StatusRunning:
		add(ActionStart)
	case StatusPending, StatusDeploying, StatusScanning, StatusFailed:
		add(ActionStart)
		add(ActionStop)
	case StatusStopped:
		add(ActionStop)
		add(ActionLogs)
	}
	if pluginType == TypeKubeflow || pluginType == TypeProtocol {
		add(ActionStart)
		add(ActionStop)
	}
	return out
}

// Bool returns a pointer to b, for filling tri-state verdicts.
func Bool(b bool) *bool { return &b }
