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

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ContainerState is the derived per-container status.
type ContainerState string

const (
	ContainerRunning    ContainerState = "running"
	ContainerInProgress ContainerState = "in_progress"
	ContainerError      ContainerState = "error"
	ContainerTerminated ContainerState = "terminated"
	ContainerUnknown    ContainerState = "unknown"
)

// AggregateState is the per-deployment rollup.
type AggregateState string

const (
	AggregateCompleted  AggregateState = "completed"
	AggregateInProgress AggregateState = "in_progress"
	AggregateError      AggregateState = "error"
	AggregateNotFound   AggregateState = "not_found"
)

// ContainerStatus describes one container of one pod.
type ContainerStatus struct {
	Name    string         `json:"container_name"`
	Image   string         `json:"image"`
	State   ContainerState `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Message string         `json:"message,omitempty"`
}

// PodStatus groups a pod's containers.
type PodStatus struct {
	PodName    string            `json:"pod_name"`
	Containers []ContainerStatus `json:"containers"`
}

// DeploymentStatus is the observed state of one plugin deployment.
type DeploymentStatus struct {
	Name     string         `json:"plugin"`
	State    AggregateState `json:"status"`
	Replicas int32          `json:"replicas"`
	Pods     []PodStatus    `json:"pods"`
}

// Status observes a plugin deployment: its replica target and each pod's
// container states, rolled up to completed / in_progress / error.
func (r *Reconciler) Status(ctx context.Context, name string) (*DeploymentStatus, error) {
	out := &DeploymentStatus{Name: name, State: AggregateInProgress, Pods: []PodStatus{}}

	deploy := &appsv1.Deployment{}
	if err := r.Get(ctx, types.NamespacedName{Name: name, Namespace: r.Namespace}, deploy); err != nil {
		if errors.IsNotFound(err) {
			out.State = AggregateNotFound
			return out, nil
		}
		return nil, err
	}
	if deploy.Spec.Replicas != nil {
		out.Replicas = *deploy.Spec.Replicas
	}

	pods := &corev1.PodList{}
	if err := r.List(ctx, pods,
		client.InNamespace(r.Namespace),
		client.MatchingLabels(deploy.Spec.Selector.MatchLabels),
	); err != nil {
		return nil, err
	}

	var all []ContainerState
	for _, pod := range pods.Items {
		ps := PodStatus{PodName: pod.Name}
		for _, cs := range pod.Status.ContainerStatuses {
			status := DeriveContainerState(cs)
			all = append(all, status.State)
			ps.Containers = append(ps.Containers, status)
		}
		out.Pods = append(out.Pods, ps)
	}

	out.State = aggregate(all)
	return out, nil
}

// DeriveContainerState maps a container's raw state to the derived status.
func DeriveContainerState(cs corev1.ContainerStatus) ContainerStatus {
	out := ContainerStatus{Name: cs.Name, Image: cs.Image}
	switch {
	case cs.State.Running != nil:
		out.State = ContainerRunning
	case cs.State.Waiting != nil && cs.State.Waiting.Reason == "ContainerCreating":
		out.State = ContainerInProgress
	case cs.State.Waiting != nil:
		out.State = ContainerError
		out.Reason = cs.State.Waiting.Reason
		out.Message = cs.State.Waiting.Message
	case cs.State.Terminated != nil:
		out.State = ContainerTerminated
		out.Reason = cs.State.Terminated.Reason
		out.Message = cs.State.Terminated.Message
	default:
		out.State = ContainerUnknown
	}
	return out
}

func aggregate(states []ContainerState) AggregateState {
	if len(states) == 0 {
		return AggregateInProgress
	}
	allRunning := true
	for _, s := range states {
		if s != ContainerRunning {
			allRunning = false
		}
	}
	if allRunning {
		return AggregateCompleted
	}
	for _, s := range states {
		if s == ContainerInProgress {
			return AggregateInProgress
		}
	}
	for _, s := range states {
		if s == ContainerError {
			return AggregateError
		}
	}
	return AggregateInProgress
}
