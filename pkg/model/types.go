// Package model holds the plugin domain types shared by the registry, the
// pipeline, and the orchestrator.
package model

import (
	"strings"
	"time"
)

// PluginType enumerates the deployable plugin flavors.
type PluginType string

const (
	TypeWidget          PluginType = "widget"
	TypeMicroservice    PluginType = "microservice"
	TypeCustomApp       PluginType = "custom_app"
	TypeFormioComponent PluginType = "formio_component"
	TypeKubeflow        PluginType = "kubeflow"
	TypeProtocol        PluginType = "protocols"
)

// RegistrationType says where a version's artifact comes from.
type RegistrationType string

const (
	RegistrationGit     RegistrationType = "git"
	RegistrationArchive RegistrationType = "archive_upload"
	RegistrationImage   RegistrationType = "image_upload"
)

// DeploymentStatus is the derived lifecycle state of a version.
type DeploymentStatus string

const (
	StatusPending       DeploymentStatus = "pending"
	StatusScanning      DeploymentStatus = "scanning"
	StatusDeploying     DeploymentStatus = "deploying"
	StatusRunning       DeploymentStatus = "running"
	StatusStopped       DeploymentStatus = "stopped"
	StatusFailed        DeploymentStatus = "failed"
	StatusScanSucceeded DeploymentStatus = "scan_succeeded"
)

// EnvVarKind distinguishes how an env entry is materialized at deploy time.
type EnvVarKind string

const (
	EnvPlain     EnvVarKind = "text"
	EnvSecure    EnvVarKind = "secure"
	EnvSecretRef EnvVarKind = "kubernetes_secrets"
)

// EnvVar is one ordered entry of a version's environment list. For
// EnvSecretRef entries Value names the key inside the referenced secret.
type EnvVar struct {
	Key   string     `json:"key"`
	Value string     `json:"value"`
	Kind  EnvVarKind `json:"type"`
}

// ResourceBudget holds the version's replica count and resource bounds.
// CPU values are cores, memory values GiB. A zero value means "unset".
type ResourceBudget struct {
	Replicas   int     `json:"replicas"`
	CPURequest float64 `json:"cpu_request"`
	CPULimit   float64 `json:"cpu_limit"`
	MemRequest float64 `json:"memory_request"`
	MemLimit   float64 `json:"memory_limit"`
}

// ScanChecks is the tri-state verdict map. nil = not run.
type ScanChecks struct {
	Antivirus     *bool `json:"antivirus"`
	SAST          *bool `json:"sast"`
	Vulnerability *bool `json:"vulnerability"`
}

// AnyFailed reports whether any verdict is an explicit false.
func (s ScanChecks) AnyFailed() bool {
	for _, v := range []*bool{s.Antivirus, s.SAST, s.Vulnerability} {
		if v != nil && !*v {
			return true
		}
	}
	return false
}

// Field is a free-form labeled value in AdditionalFields.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ImageFieldLabel is the AdditionalFields label carrying the pushed image.
const ImageFieldLabel = "Docker Image"

// PluginVersion is the central entity: one immutable revision of a plugin.
type PluginVersion struct {
	PluginID  string  `json:"plugin_id"`
	Version   float64 `json:"version"`
	Current   float64 `json:"current_version,omitempty"`
	ProjectID string  `json:"project_id"`

	Name             string           `json:"name"`
	PluginType       PluginType       `json:"plugin_type"`
	RegistrationType RegistrationType `json:"registration_type"`
	Information      map[string]any   `json:"information,omitempty"`
	Industry         []string         `json:"industry,omitempty"`

	// Source locator: exactly one of the three groups is populated.
	GitTargetID    string `json:"git_target_id,omitempty"`
	GitURL         string `json:"git_url,omitempty"`
	GitBranch      string `json:"git_branch,omitempty"`
	GitUsername    string `json:"git_username,omitempty"`
	GitAccessToken string `json:"git_access_token,omitempty"`
	ArchiveBlobRef string `json:"archive_blob_ref,omitempty"`

	ContainerPort int            `json:"container_port"`
	Env           []EnvVar       `json:"configurations,omitempty"`
	Resources     ResourceBudget `json:"resources"`

	Portal bool `json:"portal"`

	// Derived state, owned by the pipeline and the status follower.
	DeploymentStatus DeploymentStatus `json:"deployment_status"`
	Status           string           `json:"status,omitempty"` // human-readable stage banner
	ScanChecks       ScanChecks       `json:"security_checks"`
	Errors           []string         `json:"errors,omitempty"`
	DeployedBy       string           `json:"deployed_by,omitempty"`
	DeployedAt       *time.Time       `json:"deployed_at,omitempty"`
	ProxyPath        string           `json:"proxy,omitempty"`
	AdditionalFields []Field          `json:"additional_fields,omitempty"`
}

// GitCredential is a stored VCS credential referenced by versions.
type GitCredential struct {
	ID          string    `json:"git_target_id"`
	Name        string    `json:"git_target_name"`
	BaseURL     string    `json:"git_common_url"`
	Username    string    `json:"git_username"`
	AccessToken string    `json:"git_access_token"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedOn   time.Time `json:"created_on,omitempty"`
}

// ScanReport collects the findings of the last scan run for a plugin.
type ScanReport struct {
	PluginID        string            `json:"plugin_id"`
	Antivirus       map[string]string `json:"antivirus,omitempty"`
	SAST            []SASTFinding     `json:"sast,omitempty"`
	Vulnerabilities []Vulnerability   `json:"vulnerabilities,omitempty"`
}

// SASTFinding is one static-analysis issue above the configured threshold.
type SASTFinding struct {
	Type     string `json:"type"`
	File     string `json:"file"`
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Message  string `json:"message"`
	Rule     string `json:"rule"`
}

// Vulnerability is one image-scan finding at a configured severity.
type Vulnerability struct {
	Package          string `json:"package"`
	PackageType      string `json:"package_type"`
	Path             string `json:"path,omitempty"`
	InstalledVersion string `json:"installed_version"`
	FixedVersion     string `json:"fixed_version,omitempty"`
	Severity         string `json:"severity"`
	Description      string `json:"description"`
}

// SetImageField records the pushed image reference in AdditionalFields,
// updating the existing entry when present.
func (p *PluginVersion) SetImageField(image string) {
	for i := range p.AdditionalFields {
		if p.AdditionalFields[i].Label == ImageFieldLabel {
			p.AdditionalFields[i].Value = image
			return
		}
	}
	p.AdditionalFields = append(p.AdditionalFields, Field{Label: ImageFieldLabel, Value: image})
}

// ImageField returns the recorded image reference, or "".
func (p *PluginVersion) ImageField() string {
	for _, f := range p.AdditionalFields {
		if f.Label == ImageFieldLabel {
			return f.Value
		}
	}
	return ""
}

// NameSlug lowercases the plugin name and replaces underscores and spaces
// with dashes, giving the DNS-safe fragment used in resource names, image
// tags, and proxy paths.
func (p *PluginVersion) NameSlug() string {
	return Slug(p.Name)
}

// DeploymentName is the orchestrator object name: "<slug>-<pluginID>".
func (p *PluginVersion) DeploymentName() string {
	return p.NameSlug() + "-" + Slug(p.PluginID)
}

// Slug normalizes an identifier the way the orchestrator expects:
// lowercase, underscores and whitespace collapsed to dashes.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	return strings.Join(strings.Fields(s), "-")
}
