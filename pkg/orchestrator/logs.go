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
	"bufio"
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Logs returns the tail of every replica's log, each line prefixed with its
// replica ordinal so interleaved output stays attributable.
func (r *Reconciler) Logs(ctx context.Context, name string, lines int64) (string, error) {
	pods := &corev1.PodList{}
	if err := r.List(ctx, pods,
		client.InNamespace(r.Namespace),
		client.MatchingLabels{"app": name},
	); err != nil {
		return "", err
	}

	var out strings.Builder
	for i, pod := range pods.Items {
		prefix := fmt.Sprintf("replica-%d | ", i+1)
		req := r.Clientset.CoreV1().Pods(r.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			TailLines: &lines,
		})
		stream, err := req.Stream(ctx)
		if err != nil {
			out.WriteString(prefix + "log unavailable: " + err.Error() + "\n")
			continue
		}
		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			out.WriteString(prefix + scanner.Text() + "\n")
		}
		stream.Close()
	}
	return out.String(), nil
}
