package kubeflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
)

// SpecFileName is the default pipeline spec inside a working tree.
const SpecFileName = "pipeline.yml"

// RewriteImages replaces every executor container image in the pipeline
// spec with the canonical registry tag. The spec may hold multiple YAML
// documents; only documents carrying a deploymentSpec are touched.
func RewriteImages(specPath, imageRef string) error {
	raw, err := os.ReadFile(specPath)
	if err != nil {
		return apperrors.E(apperrors.KindPipelineConfig, "pipeline spec unreadable", err)
	}
	docs, err := splitDocuments(raw)
	if err != nil {
		return apperrors.E(apperrors.KindPipelineConfig, "pipeline spec malformed", err)
	}

	for _, doc := range docs {
		spec, ok := doc["deploymentSpec"].(map[string]any)
		if !ok {
			continue
		}
		executors, ok := spec["executors"].(map[string]any)
		if !ok {
			continue
		}
		for _, executor := range executors {
			e, ok := executor.(map[string]any)
			if !ok {
				continue
			}
			container, ok := e["container"].(map[string]any)
			if !ok {
				continue
			}
			if _, ok := container["image"]; ok {
				container["image"] = imageRef
			}
		}
	}

	return writeDocuments(specPath, docs)
}

// InjectImagePullSecret sets the pull secret on every declared executor so
// cluster nodes can fetch from the private registry.
func InjectImagePullSecret(specPath, secretName string) error {
	raw, err := os.ReadFile(specPath)
	if err != nil {
		return apperrors.E(apperrors.KindPipelineConfig, "pipeline spec unreadable", err)
	}
	docs, err := splitDocuments(raw)
	if err != nil {
		return apperrors.E(apperrors.KindPipelineConfig, "pipeline spec malformed", err)
	}

	secretRef := []any{map[string]any{"secretName": secretName}}
	injected := false
	for _, doc := range docs {
		platforms, ok := doc["platforms"].(map[string]any)
		if !ok {
			continue
		}
		k8s, ok := platforms["kubernetes"].(map[string]any)
		if !ok {
			continue
		}
		spec, ok := k8s["deploymentSpec"].(map[string]any)
		if !ok {
			continue
		}
		executors, ok := spec["executors"].(map[string]any)
		if !ok {
			continue
		}
		for _, executor := range executors {
			if e, ok := executor.(map[string]any); ok {
				e["imagePullSecret"] = secretRef
			}
		}
		injected = true
	}

	if !injected {
		// No platforms section: derive one from the executor labels.
		executors := map[string]any{}
		for _, doc := range docs {
			components, ok := doc["components"].(map[string]any)
			if !ok {
				continue
			}
			for _, component := range components {
				c, ok := component.(map[string]any)
				if !ok {
					continue
				}
				if label, ok := c["executorLabel"].(string); ok {
					executors[label] = map[string]any{"imagePullSecret": secretRef}
				}
			}
		}
		if len(executors) > 0 {
			docs = append(docs, map[string]any{
				"platforms": map[string]any{
					"kubernetes": map[string]any{
						"deploymentSpec": map[string]any{"executors": executors},
					},
				},
			})
		}
	}

	return writeDocuments(specPath, docs)
}

func splitDocuments(raw []byte) ([]map[string]any, error) {
	var docs []map[string]any
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	for {
		var doc map[string]any
		err := dec.Decode(&doc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no documents")
	}
	return docs, nil
}

func writeDocuments(path string, docs []map[string]any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := yaml.NewEncoder(f)
	defer enc.Close()
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}
	return nil
}
