package registry

import (
	"github.com/unifytwin/plugin-manager/pkg/model"
)

// MaskEnv returns a copy of env with every secure value replaced by its
// mask. Read paths never return secure values unmasked.
func MaskEnv(env []model.EnvVar) []model.EnvVar {
	out := make([]model.EnvVar, len(env))
	copy(out, env)
	for i := range out {
		if out[i].Kind == model.EnvSecure {
			out[i].Value = model.MaskValue(out[i].Value)
		}
	}
	return out
}

// MaskVersion prepares a version for a read path: secure env values and the
// git access token come back masked.
func MaskVersion(v *model.PluginVersion) *model.PluginVersion {
	out := *v
	out.Env = MaskEnv(v.Env)
	if out.GitAccessToken != "" {
		out.GitAccessToken = model.TokenMask
	}
	if out.Current == 0 {
		out.Current = out.Version
	}
	return &out
}

// MergeEnv applies the secure write-back rule: an incoming secure value
// equal to the stored value's mask keeps the stored value. The returned
// bool reports whether any value truly changed.
func MergeEnv(incoming, stored []model.EnvVar) ([]model.EnvVar, bool) {
	storedByKey := make(map[string]model.EnvVar, len(stored))
	for _, e := range stored {
		storedByKey[e.Key] = e
	}
	out := make([]model.EnvVar, len(incoming))
	copy(out, incoming)
	changed := false
	for i := range out {
		prev, ok := storedByKey[out[i].Key]
		if out[i].Kind == model.EnvSecure && ok {
			if out[i].Value == model.MaskValue(prev.Value) {
				out[i].Value = prev.Value
				continue
			}
		}
		if !ok || prev.Value != out[i].Value || prev.Kind != out[i].Kind {
			changed = true
		}
	}
	if len(incoming) != len(stored) {
		changed = true
	}
	return out, changed
}

// redeployFields are the only write fields whose change re-runs the
// pipeline.
type redeployFields struct {
	GitTargetID    string
	GitURL         string
	GitBranch      string
	GitUsername    string
	GitAccessToken string
	ContainerPort  int
	Resources      model.ResourceBudget
}

func redeployView(v *model.PluginVersion) redeployFields {
	token := v.GitAccessToken
	if token == model.TokenMask {
		// Masked token means "unchanged"; it never triggers by itself.
		token = ""
	}
	return redeployFields{
		GitTargetID:    v.GitTargetID,
		GitURL:         v.GitURL,
		GitBranch:      v.GitBranch,
		GitUsername:    v.GitUsername,
		GitAccessToken: token,
		ContainerPort:  v.ContainerPort,
		Resources:      v.Resources,
	}
}

// PrepareSave merges an incoming write over the stored document and decides
// whether a redeploy is required. Only changes to the advanced config
// (resources, port), the git coordinates, or a genuinely new token flip the
// redeploy bit; masked values never do.
func PrepareSave(incoming, stored *model.PluginVersion) (merged *model.PluginVersion, redeploy bool) {
	out := *incoming
	out.PluginID = stored.PluginID
	out.Version = stored.Version
	if out.Current == 0 {
		out.Current = stored.Current
	}

	// Derived state stays owned by the pipeline.
	out.DeploymentStatus = stored.DeploymentStatus
	out.Status = stored.Status
	out.ScanChecks = stored.ScanChecks
	out.Errors = stored.Errors
	out.DeployedBy = stored.DeployedBy
	out.DeployedAt = stored.DeployedAt
	out.ProxyPath = stored.ProxyPath
	out.AdditionalFields = stored.AdditionalFields

	if out.GitAccessToken == model.TokenMask {
		out.GitAccessToken = stored.GitAccessToken
	}
	mergedEnv, envChanged := MergeEnv(out.Env, stored.Env)
	out.Env = mergedEnv

	// A real new token is a redeploy trigger; the mask never is.
	tokenChanged := incoming.GitAccessToken != model.TokenMask &&
		incoming.GitAccessToken != stored.GitAccessToken
	incomingView := redeployView(incoming)
	incomingView.GitAccessToken = ""
	storedView := redeployView(stored)
	storedView.GitAccessToken = ""
	redeploy = tokenChanged || incomingView != storedView

	_ = envChanged // env-only edits apply without re-running the pipeline

	return &out, redeploy
}
