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

// Package orchestrator reconciles the declarative objects a deployed plugin
// owns: a Deployment, a Service, and the VirtualRoute that exposes it behind
// the shared gateway. All operations have create-or-update semantics; the
// orchestrator is the source of truth for observed state.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/model"
)

const (
	deployedAtAnnotation = "plugins.unifytwin.com/deployed-at"
	managedByLabel       = "app.kubernetes.io/managed-by"
	managedByValue       = "plugin-manager"

	sharedVolumeName  = "plugin-shared-data"
	sharedVolumeClaim = "plugin-shared-data"
	sharedMountPath   = "/data"
)

// VirtualRouteGVK identifies the gateway's route object.
var VirtualRouteGVK = schema.GroupVersionKind{
	Group:   "networking.istio.io",
	Version: "v1alpha3",
	Kind:    "VirtualService",
}

// Reconciler drives the per-plugin objects toward their desired state.
type Reconciler struct {
	client.Client
	Clientset kubernetes.Interface // pod-log subresource only

	Namespace       string
	Gateway         string
	GatewayPrefix   string
	ImagePullSecret string

	Log *zap.Logger
}

// labelsFor returns the selector labels shared by all of a plugin's objects.
func labelsFor(name string) map[string]string {
	return map[string]string{
		"app":          name,
		managedByLabel: managedByValue,
	}
}

// Apply creates or updates the plugin's Deployment, Service, and
// VirtualRoute. On update the deployed-at annotation is refreshed to force
// a rollout even when the image tag is unchanged.
func (r *Reconciler) Apply(ctx context.Context, v *model.PluginVersion, image string, now time.Time) error {
	if err := r.reconcileDeployment(ctx, v, image, now); err != nil {
		return apperrors.E(apperrors.KindDeploymentFailed, "deployment reconciliation failed", err)
	}
	if err := r.reconcileService(ctx, v); err != nil {
		return apperrors.E(apperrors.KindServiceFailed, "service reconciliation failed", err)
	}
	if err := r.reconcileRoute(ctx, v); err != nil {
		return apperrors.E(apperrors.KindRouteFailed, "route reconciliation failed", err)
	}
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// Deployment
// ────────────────────────────────────────────────────────────────────────────

func (r *Reconciler) reconcileDeployment(ctx context.Context, v *model.PluginVersion, image string, now time.Time) error {
	desired := r.buildDeployment(v, image, now)

	existing := &appsv1.Deployment{}
	err := r.Get(ctx, types.NamespacedName{Name: desired.Name, Namespace: desired.Namespace}, existing)
	if err != nil {
		if errors.IsNotFound(err) {
			r.Log.Info("creating deployment", zap.String("name", desired.Name))
			return r.Create(ctx, desired)
		}
		return err
	}

	existing.Spec = desired.Spec
	r.Log.Info("updating deployment", zap.String("name", desired.Name), zap.String("image", image))
	return r.Update(ctx, existing)
}

func (r *Reconciler) buildDeployment(v *model.PluginVersion, image string, now time.Time) *appsv1.Deployment {
	name := v.DeploymentName()
	labels := labelsFor(name)
	replicas := int32(v.Resources.Replicas)

	container := corev1.Container{
		Name:            name,
		Image:           image,
		ImagePullPolicy: corev1.PullAlways,
		Ports: []corev1.ContainerPort{{
			ContainerPort: int32(v.ContainerPort),
			Protocol:      corev1.ProtocolTCP,
		}},
		Env:       r.buildEnv(v),
		Resources: buildResourceRequirements(v.Resources),
		VolumeMounts: []corev1.VolumeMount{{
			Name:      sharedVolumeName,
			MountPath: sharedMountPath,
			SubPath:   name,
		}},
	}

	podSpec := corev1.PodSpec{
		Containers: []corev1.Container{container},
		Volumes: []corev1.Volume{{
			Name: sharedVolumeName,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: sharedVolumeClaim,
				},
			},
		}},
	}
	if r.ImagePullSecret != "" {
		podSpec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: r.ImagePullSecret}}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
					Annotations: map[string]string{
						deployedAtAnnotation: strconv.FormatInt(now.UnixMilli(), 10),
					},
				},
				Spec: podSpec,
			},
		},
	}
}

// buildEnv materializes the version's env list, resolving secret-ref kinds
// into orchestrator secret references. The PROXY entry is always appended
// so the workload knows its own route.
func (r *Reconciler) buildEnv(v *model.PluginVersion) []corev1.EnvVar {
	env := make([]corev1.EnvVar, 0, len(v.Env)+1)
	for _, e := range v.Env {
		switch e.Kind {
		case model.EnvSecretRef:
			env = append(env, corev1.EnvVar{
				Name: e.Key,
				ValueFrom: &corev1.EnvVarSource{
					SecretKeyRef: &corev1.SecretKeySelector{
						LocalObjectReference: corev1.LocalObjectReference{
							Name: model.Slug(e.Key),
						},
						Key: strings.ToUpper(strings.ReplaceAll(e.Value, "-", "_")),
					},
				},
			})
		default:
			env = append(env, corev1.EnvVar{Name: e.Key, Value: e.Value})
		}
	}
	proxy := model.ProxyPath(r.GatewayPrefix, v.ProjectID, v.Name)
	env = append(env, corev1.EnvVar{Name: "PROXY", Value: strings.TrimSuffix(proxy, "/")})
	return env
}

// buildResourceRequirements converts the version's budget into the full K8s type.
func buildResourceRequirements(b model.ResourceBudget) corev1.ResourceRequirements {
	reqs := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	if b.CPURequest != 0 {
		reqs.Requests[corev1.ResourceCPU] = resource.MustParse(model.CPUQuantity(b.CPURequest))
	}
	if b.CPULimit != 0 {
		reqs.Limits[corev1.ResourceCPU] = resource.MustParse(model.CPUQuantity(b.CPULimit))
	}
	if b.MemRequest != 0 {
		reqs.Requests[corev1.ResourceMemory] = resource.MustParse(model.MemQuantity(b.MemRequest))
	}
	if b.MemLimit != 0 {
		reqs.Limits[corev1.ResourceMemory] = resource.MustParse(model.MemQuantity(b.MemLimit))
	}
	return reqs
}

// ────────────────────────────────────────────────────────────────────────────
// Service
// ────────────────────────────────────────────────────────────────────────────

func (r *Reconciler) reconcileService(ctx context.Context, v *model.PluginVersion) error {
	desired := r.buildService(v)

	existing := &corev1.Service{}
	err := r.Get(ctx, types.NamespacedName{Name: desired.Name, Namespace: desired.Namespace}, existing)
	if err != nil {
		if errors.IsNotFound(err) {
			r.Log.Info("creating service", zap.String("name", desired.Name))
			return r.Create(ctx, desired)
		}
		return err
	}

	// Preserve ClusterIP on update (immutable field)
	desired.Spec.ClusterIP = existing.Spec.ClusterIP
	existing.Spec = desired.Spec
	return r.Update(ctx, existing)
}

func (r *Reconciler) buildService(v *model.PluginVersion) *corev1.Service {
	name := v.DeploymentName()
	labels := labelsFor(name)
	port := int32(v.ContainerPort)

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.Namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: labels,
			Ports: []corev1.ServicePort{{
				Protocol:   corev1.ProtocolTCP,
				Port:       port,
				TargetPort: intstr.FromInt32(port),
			}},
		},
	}
}

// ────────────────────────────────────────────────────────────────────────────
// VirtualRoute
// ────────────────────────────────────────────────────────────────────────────

// ServiceHost is the in-cluster DNS name the route targets.
func (r *Reconciler) ServiceHost(name string) string {
	return fmt.Sprintf("%s.%s.svc.cluster.local", name, r.Namespace)
}

func (r *Reconciler) reconcileRoute(ctx context.Context, v *model.PluginVersion) error {
	desired := r.buildRoute(v)

	existing := &unstructured.Unstructured{}
	existing.SetGroupVersionKind(VirtualRouteGVK)
	err := r.Get(ctx, types.NamespacedName{Name: desired.GetName(), Namespace: r.Namespace}, existing)
	if err != nil {
		if errors.IsNotFound(err) {
			r.Log.Info("creating virtual route", zap.String("name", desired.GetName()))
			return r.Create(ctx, desired)
		}
		return err
	}

	existing.Object["spec"] = desired.Object["spec"]
	return r.Update(ctx, existing)
}

func (r *Reconciler) buildRoute(v *model.PluginVersion) *unstructured.Unstructured {
	name := v.DeploymentName()
	route := &unstructured.Unstructured{}
	route.SetGroupVersionKind(VirtualRouteGVK)
	route.SetName(name)
	route.SetNamespace(r.Namespace)
	route.SetLabels(labelsFor(name))
	route.Object["spec"] = map[string]any{
		"gateways": []any{r.Gateway},
		"hosts":    []any{"*"},
		"http": []any{
			map[string]any{
				"match": []any{
					map[string]any{
						"uri": map[string]any{"prefix": model.RoutePath(v.ProjectID, v.Name)},
					},
				},
				"rewrite": map[string]any{"uri": "/"},
				"route": []any{
					map[string]any{
						"destination": map[string]any{
							"host": r.ServiceHost(name),
							"port": map[string]any{"number": int64(v.ContainerPort)},
						},
					},
				},
			},
		},
	}
	return route
}

// ────────────────────────────────────────────────────────────────────────────
// Scale / teardown
// ────────────────────────────────────────────────────────────────────────────

// Scale patches the replica count of a plugin's deployment.
func (r *Reconciler) Scale(ctx context.Context, name string, replicas int32) error {
	existing := &appsv1.Deployment{}
	if err := r.Get(ctx, types.NamespacedName{Name: name, Namespace: r.Namespace}, existing); err != nil {
		if errors.IsNotFound(err) {
			return apperrors.Ef(apperrors.KindNotFound, "deployment %s not found", name)
		}
		return apperrors.E(apperrors.KindDeploymentFailed, "scale failed", err)
	}
	existing.Spec.Replicas = &replicas
	if err := r.Update(ctx, existing); err != nil {
		return apperrors.E(apperrors.KindDeploymentFailed, "scale failed", err)
	}
	r.Log.Info("deployment scaled", zap.String("name", name), zap.Int32("replicas", replicas))
	return nil
}

// Teardown deletes the plugin's three objects. Missing objects are not an
// error, and a partial teardown keeps going.
func (r *Reconciler) Teardown(ctx context.Context, name string) error {
	objs := []client.Object{
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: r.Namespace}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: r.Namespace}},
	}
	route := &unstructured.Unstructured{}
	route.SetGroupVersionKind(VirtualRouteGVK)
	route.SetName(name)
	route.SetNamespace(r.Namespace)
	objs = append(objs, route)

	for _, obj := range objs {
		if err := r.Delete(ctx, obj); err != nil && !errors.IsNotFound(err) {
			r.Log.Warn("teardown: object delete failed",
				zap.String("name", name),
				zap.String("kind", fmt.Sprintf("%T", obj)),
				zap.Error(err))
		}
	}
	return nil
}
