/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package orchestrator

import (
	"context"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"go.uber.org/zap"
)

// systemSecretTypes never surface in user-facing secret listings.
var systemSecretTypes = map[corev1.SecretType]bool{
	corev1.SecretTypeServiceAccountToken: true,
	corev1.SecretTypeDockercfg:           true,
	corev1.SecretTypeDockerConfigJson:    true,
	corev1.SecretTypeTLS:                 true,
	"helm.sh/release.v1":                 true,
}

// systemSecretNames is the blocklist of well-known infrastructure secrets.
var systemSecretNames = map[string]bool{
	"sh.helm.release": true,
	"istio-ca-secret": true,
	"default-token":   true,
}

// SecretName lowercases and dashes a logical secret name into its object
// name, e.g. "STRIPE_API_KEY" -> "stripe-api-key".
func SecretName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", "-"))
}

// ListSecrets returns the namespace's user secrets minus the system types
// and the name blocklist, uppercased for the env-config dropdown.
func (r *Reconciler) ListSecrets(ctx context.Context) ([]string, error) {
	secrets := &corev1.SecretList{}
	if err := r.List(ctx, secrets, client.InNamespace(r.Namespace)); err != nil {
		return nil, err
	}
	var names []string
	for _, s := range secrets.Items {
		if systemSecretTypes[s.Type] {
			continue
		}
		blocked := false
		for prefix := range systemSecretNames {
			if strings.HasPrefix(s.Name, prefix) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		names = append(names, strings.ToUpper(s.Name))
	}
	return names, nil
}

// CreateSecret creates or replaces an Opaque user secret.
func (r *Reconciler) CreateSecret(ctx context.Context, name string, data map[string][]byte) error {
	desired := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      SecretName(name),
			Namespace: r.Namespace,
			Labels:    map[string]string{managedByLabel: managedByValue},
		},
		Type: corev1.SecretTypeOpaque,
		Data: data,
	}
	existing := &corev1.Secret{}
	err := r.Get(ctx, types.NamespacedName{Name: desired.Name, Namespace: r.Namespace}, existing)
	if err != nil {
		if errors.IsNotFound(err) {
			r.Log.Info("creating secret", zap.String("name", desired.Name))
			return r.Create(ctx, desired)
		}
		return err
	}
	existing.Data = data
	return r.Update(ctx, existing)
}

// DeleteSecret removes a user secret. Missing secrets are not an error.
func (r *Reconciler) DeleteSecret(ctx context.Context, name string) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: SecretName(name), Namespace: r.Namespace},
	}
	if err := r.Delete(ctx, secret); err != nil && !errors.IsNotFound(err) {
		return err
	}
	return nil
}
