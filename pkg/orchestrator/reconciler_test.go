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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
	"github.com/unifytwin/plugin-manager/pkg/model"
)

func testVersion() *model.PluginVersion {
	return &model.PluginVersion{
		PluginID:      "p1",
		ProjectID:     "proj1",
		Name:          "wx",
		PluginType:    model.TypeWidget,
		Version:       1,
		ContainerPort: 8080,
		Resources:     model.ResourceBudget{Replicas: 2, CPURequest: 0.5, CPULimit: 1, MemRequest: 1, MemLimit: 2},
		Env: []model.EnvVar{
			{Key: "MODE", Value: "prod", Kind: model.EnvPlain},
			{Key: "API_KEY", Value: "api-key", Kind: model.EnvSecretRef},
		},
	}
}

var _ = Describe("Apply", func() {
	var (
		r   *Reconciler
		ctx context.Context
	)

	BeforeEach(func() {
		r = newTestReconciler()
		ctx = context.Background()
	})

	It("creates the deployment, service, and route", func() {
		v := testVersion()
		Expect(r.Apply(ctx, v, "registry/wx-widget:1.0", time.Now())).To(Succeed())

		deploy := &appsv1.Deployment{}
		Expect(r.Get(ctx, types.NamespacedName{Name: "wx-p1", Namespace: "plugins"}, deploy)).To(Succeed())
		Expect(*deploy.Spec.Replicas).To(Equal(int32(2)))
		Expect(deploy.Spec.Template.Spec.Containers).To(HaveLen(1))

		container := deploy.Spec.Template.Spec.Containers[0]
		Expect(container.Image).To(Equal("registry/wx-widget:1.0"))
		Expect(container.ImagePullPolicy).To(Equal(corev1.PullAlways))
		Expect(container.Ports[0].ContainerPort).To(Equal(int32(8080)))

		svc := &corev1.Service{}
		Expect(r.Get(ctx, types.NamespacedName{Name: "wx-p1", Namespace: "plugins"}, svc)).To(Succeed())
		Expect(svc.Spec.Selector).To(HaveKeyWithValue("app", "wx-p1"))
		Expect(svc.Spec.Ports[0].Port).To(Equal(int32(8080)))

		route := &unstructured.Unstructured{}
		route.SetGroupVersionKind(VirtualRouteGVK)
		Expect(r.Get(ctx, types.NamespacedName{Name: "wx-p1", Namespace: "plugins"}, route)).To(Succeed())
		gateways, found, err := unstructured.NestedSlice(route.Object, "spec", "gateways")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(gateways).To(ContainElement("plugin-gateway"))

		http, _, err := unstructured.NestedSlice(route.Object, "spec", "http")
		Expect(err).NotTo(HaveOccurred())
		Expect(http).To(HaveLen(1))
		rule := http[0].(map[string]any)
		match := rule["match"].([]any)[0].(map[string]any)
		uri := match["uri"].(map[string]any)
		Expect(uri["prefix"]).To(Equal("/plugin/proj1/wx/api/"))
	})

	It("resolves env kinds into the container env", func() {
		v := testVersion()
		Expect(r.Apply(ctx, v, "img", time.Now())).To(Succeed())

		deploy := &appsv1.Deployment{}
		Expect(r.Get(ctx, types.NamespacedName{Name: "wx-p1", Namespace: "plugins"}, deploy)).To(Succeed())
		env := deploy.Spec.Template.Spec.Containers[0].Env

		Expect(env[0].Name).To(Equal("MODE"))
		Expect(env[0].Value).To(Equal("prod"))

		Expect(env[1].Name).To(Equal("API_KEY"))
		Expect(env[1].ValueFrom).NotTo(BeNil())
		Expect(env[1].ValueFrom.SecretKeyRef.Name).To(Equal("api-key"))
		Expect(env[1].ValueFrom.SecretKeyRef.Key).To(Equal("API_KEY"))

		Expect(env[len(env)-1].Name).To(Equal("PROXY"))
		Expect(env[len(env)-1].Value).To(Equal("/gateway/plugin/proj1/wx/api"))
	})

	It("applies resource requests and limits", func() {
		v := testVersion()
		Expect(r.Apply(ctx, v, "img", time.Now())).To(Succeed())

		deploy := &appsv1.Deployment{}
		Expect(r.Get(ctx, types.NamespacedName{Name: "wx-p1", Namespace: "plugins"}, deploy)).To(Succeed())
		res := deploy.Spec.Template.Spec.Containers[0].Resources
		Expect(res.Requests.Cpu().String()).To(Equal("500m"))
		Expect(res.Limits.Cpu().String()).To(Equal("1"))
		Expect(res.Requests.Memory().String()).To(Equal("1Gi"))
		Expect(res.Limits.Memory().String()).To(Equal("2Gi"))
	})

	It("updates in place and refreshes the rollout annotation", func() {
		v := testVersion()
		t1 := time.UnixMilli(1000)
		t2 := time.UnixMilli(2000)
		Expect(r.Apply(ctx, v, "img:1", t1)).To(Succeed())
		Expect(r.Apply(ctx, v, "img:2", t2)).To(Succeed())

		deploy := &appsv1.Deployment{}
		Expect(r.Get(ctx, types.NamespacedName{Name: "wx-p1", Namespace: "plugins"}, deploy)).To(Succeed())
		Expect(deploy.Spec.Template.Spec.Containers[0].Image).To(Equal("img:2"))
		Expect(deploy.Spec.Template.Annotations[deployedAtAnnotation]).To(Equal("2000"))
	})
})

var _ = Describe("Scale", func() {
	var (
		r   *Reconciler
		ctx context.Context
	)

	BeforeEach(func() {
		r = newTestReconciler()
		ctx = context.Background()
		Expect(r.Apply(ctx, testVersion(), "img", time.Now())).To(Succeed())
	})

	It("patches the replica count", func() {
		Expect(r.Scale(ctx, "wx-p1", 0)).To(Succeed())
		deploy := &appsv1.Deployment{}
		Expect(r.Get(ctx, types.NamespacedName{Name: "wx-p1", Namespace: "plugins"}, deploy)).To(Succeed())
		Expect(*deploy.Spec.Replicas).To(Equal(int32(0)))

		Expect(r.Scale(ctx, "wx-p1", 3)).To(Succeed())
		Expect(r.Get(ctx, types.NamespacedName{Name: "wx-p1", Namespace: "plugins"}, deploy)).To(Succeed())
		Expect(*deploy.Spec.Replicas).To(Equal(int32(3)))
	})

	It("returns NotFound for unknown deployments", func() {
		err := r.Scale(ctx, "nope", 1)
		Expect(apperrors.IsKind(err, apperrors.KindNotFound)).To(BeTrue())
	})
})

var _ = Describe("Teardown", func() {
	It("removes all objects and is idempotent", func() {
		r := newTestReconciler()
		ctx := context.Background()
		Expect(r.Apply(ctx, testVersion(), "img", time.Now())).To(Succeed())

		Expect(r.Teardown(ctx, "wx-p1")).To(Succeed())
		deploy := &appsv1.Deployment{}
		err := r.Get(ctx, types.NamespacedName{Name: "wx-p1", Namespace: "plugins"}, deploy)
		Expect(err).To(HaveOccurred())

		// Second teardown of already-missing objects succeeds.
		Expect(r.Teardown(ctx, "wx-p1")).To(Succeed())
	})
})

var _ = Describe("Secrets", func() {
	var (
		r   *Reconciler
		ctx context.Context
	)

	BeforeEach(func() {
		r = newTestReconciler()
		ctx = context.Background()
	})

	It("creates secrets with dashed lowercase names", func() {
		Expect(r.CreateSecret(ctx, "STRIPE_API_KEY", map[string][]byte{"STRIPE_API_KEY": []byte("sk")})).To(Succeed())

		secret := &corev1.Secret{}
		Expect(r.Get(ctx, types.NamespacedName{Name: "stripe-api-key", Namespace: "plugins"}, secret)).To(Succeed())
		Expect(secret.Type).To(Equal(corev1.SecretTypeOpaque))
	})

	It("replaces data on re-create", func() {
		Expect(r.CreateSecret(ctx, "KEY", map[string][]byte{"KEY": []byte("v1")})).To(Succeed())
		Expect(r.CreateSecret(ctx, "KEY", map[string][]byte{"KEY": []byte("v2")})).To(Succeed())

		secret := &corev1.Secret{}
		Expect(r.Get(ctx, types.NamespacedName{Name: "key", Namespace: "plugins"}, secret)).To(Succeed())
		Expect(secret.Data["KEY"]).To(Equal([]byte("v2")))
	})

	It("lists user secrets and hides system ones", func() {
		Expect(r.CreateSecret(ctx, "user-key", map[string][]byte{"k": []byte("v")})).To(Succeed())

		tlsSecret := &corev1.Secret{}
		tlsSecret.Name = "gateway-tls"
		tlsSecret.Namespace = "plugins"
		tlsSecret.Type = corev1.SecretTypeTLS
		Expect(r.Create(ctx, tlsSecret)).To(Succeed())

		names, err := r.ListSecrets(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(ContainElement("USER-KEY"))
		Expect(names).NotTo(ContainElement("GATEWAY-TLS"))
	})

	It("deletes missing secrets without error", func() {
		Expect(r.DeleteSecret(ctx, "never-existed")).To(Succeed())
	})
})

var _ = Describe("DeriveContainerState", func() {
	DescribeTable("maps raw container states",
		func(state corev1.ContainerState, want ContainerState) {
			got := DeriveContainerState(corev1.ContainerStatus{Name: "c", State: state})
			Expect(got.State).To(Equal(want))
		},
		Entry("running", corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}, ContainerRunning),
		Entry("creating", corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "ContainerCreating"}}, ContainerInProgress),
		Entry("crash loop", corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff", Message: "back-off"}}, ContainerError),
		Entry("terminated", corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{Reason: "OOMKilled"}}, ContainerTerminated),
		Entry("unknown", corev1.ContainerState{}, ContainerUnknown),
	)

	It("captures the waiting reason and message on error", func() {
		got := DeriveContainerState(corev1.ContainerStatus{
			State: corev1.ContainerState{
				Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff", Message: "pull access denied"},
			},
		})
		Expect(got.Reason).To(Equal("ImagePullBackOff"))
		Expect(got.Message).To(Equal("pull access denied"))
	})
})

var _ = Describe("aggregate", func() {
	DescribeTable("rolls container states up",
		func(states []ContainerState, want AggregateState) {
			Expect(aggregate(states)).To(Equal(want))
		},
		Entry("all running", []ContainerState{ContainerRunning, ContainerRunning}, AggregateCompleted),
		Entry("one creating", []ContainerState{ContainerRunning, ContainerInProgress}, AggregateInProgress),
		Entry("one error", []ContainerState{ContainerRunning, ContainerError}, AggregateError),
		Entry("in-progress wins over error", []ContainerState{ContainerInProgress, ContainerError}, AggregateInProgress),
		Entry("no pods yet", []ContainerState{}, AggregateInProgress),
	)
})
