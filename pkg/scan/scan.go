// Package scan runs the antivirus, static-analysis, and image vulnerability
// scans and turns their reports into verdicts. Scanner containers run on the
// shared engine; an infrastructure failure of a scanner counts as a failed
// scan, never as a pass.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/unifytwin/plugin-manager/internal/config"
	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/engine"
	"github.com/unifytwin/plugin-manager/pkg/model"
)

const (
	antivirusImage = "clamav/clamav:1.2"
	trivyImage     = "aquasec/trivy:0.44.1"
	sastImage      = "sonarsource/sonar-scanner-cli:5"
)

// runner is the slice of the engine the scanners need.
type runner interface {
	RunOnce(ctx context.Context, spec engine.RunSpec) (string, error)
}

// Options carries the scan configuration.
type Options struct {
	AVEnabled      bool
	SASTEnabled    bool
	VulnEnabled    bool
	VulnSeverities string
	Thresholds     config.SASTThresholds
	ReportDir      string

	SonarHost  string
	SonarToken string

	RegistryUsername string
	RegistryPassword string
}

// Scanner fans out to the three scan stages.
type Scanner struct {
	engine runner
	issues issueFetcher
	opts   Options
	log    *zap.Logger
}

// New builds a Scanner on the shared engine.
func New(eng *engine.Engine, opts Options, log *zap.Logger) *Scanner {
	return &Scanner{
		engine: eng,
		issues: &sonarClient{host: opts.SonarHost, token: opts.SonarToken},
		opts:   opts,
		log:    log,
	}
}

// ────────────────────────────────────────────────────────────────────────────
// Antivirus
// ────────────────────────────────────────────────────────────────────────────

// Antivirus scans a working tree. It returns the verdict and the parsed
// summary; a false verdict with a nil error means infected files were found.
func (s *Scanner) Antivirus(ctx context.Context, workDir string, v *model.PluginVersion) (bool, map[string]string, error) {
	if !s.opts.AVEnabled {
		return true, nil, nil
	}
	reportDir := filepath.Join(s.opts.ReportDir, "antivirus", v.Name, v.PluginID)
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return false, nil, apperrors.E(apperrors.KindScanInfraFailure, "antivirus report dir", err)
	}
	_, err := s.engine.RunOnce(ctx, engine.RunSpec{
		Image: antivirusImage,
		Cmd:   []string{"clamscan", "/scandir", "-r", "-l", "/output/scan-output.txt"},
		Binds: []string{
			workDir + ":/scandir",
			reportDir + ":/output",
		},
	})
	// clamscan exits 1 when infections are found; the report decides.
	report, readErr := os.ReadFile(filepath.Join(reportDir, "scan-output.txt"))
	if readErr != nil {
		if err != nil {
			return false, nil, apperrors.E(apperrors.KindScanInfraFailure, "antivirus scanner failed", err)
		}
		return false, nil, apperrors.E(apperrors.KindScanInfraFailure, "antivirus report missing", readErr)
	}
	summary := ParseAntivirusReport(string(report))
	if infected := summary["Infected files"]; infected != "" && infected != "0" {
		s.log.Info("antivirus scan found infected files",
			zap.String("plugin", v.PluginID), zap.String("infected", infected))
		return false, summary, nil
	}
	return true, summary, nil
}

// ParseAntivirusReport turns the clamscan summary block into a key/value map.
func ParseAntivirusReport(output string) map[string]string {
	parsed := map[string]string{}
	for _, line := range strings.Split(output, "\n") {
		if line == "" || strings.Contains(line, "------") {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		parsed[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return parsed
}

// ────────────────────────────────────────────────────────────────────────────
// SAST
// ────────────────────────────────────────────────────────────────────────────

// issueFetcher queries the analysis server for issues of one type.
type issueFetcher interface {
	Issues(ctx context.Context, project, issueType string) ([]model.SASTFinding, error)
}

// SAST analyzes a working tree and evaluates issue counts against the
// configured thresholds. Findings above threshold produce a false verdict.
func (s *Scanner) SAST(ctx context.Context, workDir string, v *model.PluginVersion) (bool, []model.SASTFinding, error) {
	if !s.opts.SASTEnabled {
		return true, nil, nil
	}
	project := v.NameSlug()
	_, err := s.engine.RunOnce(ctx, engine.RunSpec{
		Image: sastImage,
		Cmd: []string{"sonar-scanner",
			"-Dsonar.projectKey=" + project,
			"-Dsonar.sources=.",
			"-Dsonar.host.url=" + s.opts.SonarHost,
			"-Dsonar.token=" + s.opts.SonarToken,
		},
		Binds:   []string{workDir + ":/usr/src"},
		Network: "host",
	})
	if err != nil {
		return false, nil, apperrors.E(apperrors.KindScanInfraFailure, "static analysis scanner failed", err)
	}

	var findings []model.SASTFinding
	over := false
	for _, check := range []struct {
		issueType string
		threshold int
	}{
		{"CODE_SMELL", s.opts.Thresholds.CodeSmells},
		{"VULNERABILITY", s.opts.Thresholds.Vulnerabilities},
		{"BUG", s.opts.Thresholds.Bugs},
	} {
		issues, err := s.issues.Issues(ctx, project, check.issueType)
		if err != nil {
			return false, nil, apperrors.E(apperrors.KindScanInfraFailure, "static analysis report fetch failed", err)
		}
		if len(issues) > check.threshold {
			over = true
			findings = append(findings, issues...)
		}
	}
	if over {
		return false, findings, nil
	}
	return true, nil, nil
}

// ────────────────────────────────────────────────────────────────────────────
// Vulnerability
// ────────────────────────────────────────────────────────────────────────────

// Vulnerability scans a pushed image. Findings at the configured severities
// produce a false verdict.
func (s *Scanner) Vulnerability(ctx context.Context, imageRef string, v *model.PluginVersion) (bool, []model.Vulnerability, error) {
	if !s.opts.VulnEnabled {
		return true, nil, nil
	}
	reportDir := filepath.Join(s.opts.ReportDir, "vulnerability", v.Name+"-"+v.PluginID)
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return false, nil, apperrors.E(apperrors.KindScanInfraFailure, "vulnerability report dir", err)
	}
	_, err := s.engine.RunOnce(ctx, engine.RunSpec{
		Image: trivyImage,
		Cmd: []string{"image",
			"--ignore-unfixed",
			"--scanners", "vuln",
			"--severity", s.opts.VulnSeverities,
			"--format", "json",
			"--output", "/output/scan-output.json",
			"--username", s.opts.RegistryUsername,
			"--password", s.opts.RegistryPassword,
			imageRef,
		},
		Binds: []string{
			"/var/run/docker.sock:/var/run/docker.sock",
			reportDir + ":/output",
		},
		Network: "host",
	})
	if err != nil {
		return false, nil, apperrors.E(apperrors.KindScanInfraFailure, "vulnerability scanner failed", err)
	}
	raw, err := os.ReadFile(filepath.Join(reportDir, "scan-output.json"))
	if err != nil {
		return false, nil, apperrors.E(apperrors.KindScanInfraFailure, "vulnerability report missing", err)
	}
	vulns, err := ParseTrivyReport(raw)
	if err != nil {
		return false, nil, apperrors.E(apperrors.KindScanInfraFailure, "vulnerability report unreadable", err)
	}
	if len(vulns) > 0 {
		return false, vulns, nil
	}
	return true, nil, nil
}

// ParseTrivyReport extracts the package findings from a trivy JSON report.
func ParseTrivyReport(raw []byte) ([]model.Vulnerability, error) {
	var report struct {
		Results []struct {
			Type            string `json:"Type"`
			Vulnerabilities []struct {
				PkgName          string `json:"PkgName"`
				PkgPath          string `json:"PkgPath"`
				InstalledVersion string `json:"InstalledVersion"`
				FixedVersion     string `json:"FixedVersion"`
				Severity         string `json:"Severity"`
				Description      string `json:"Description"`
			} `json:"Vulnerabilities"`
		} `json:"Results"`
	}
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("trivy report: %w", err)
	}
	var out []model.Vulnerability
	for _, result := range report.Results {
		for _, v := range result.Vulnerabilities {
			out = append(out, model.Vulnerability{
				Package:          v.PkgName,
				PackageType:      result.Type,
				Path:             v.PkgPath,
				InstalledVersion: v.InstalledVersion,
				FixedVersion:     v.FixedVersion,
				Severity:         v.Severity,
				Description:      v.Description,
			})
		}
	}
	return out, nil
}
