// Package k8s_sandbox is the pod-backed provider variant. Sandboxes are
// pods created through client-go; exec and file traffic goes to the forge
// daemon on the pod IP.
package k8s_sandbox

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/curaious/forge/pkg/sandbox"
)

const managedLabel = "forge-sandbox"

// Provider implements sandbox.Provider on top of Kubernetes pods.
type Provider struct {
	desc   sandbox.Descriptor
	client kubernetes.Interface
}

// New constructs the kubernetes variant. Connection setup happens in
// Initialize, not here, so registry construction stays local.
func New(desc sandbox.Descriptor) (sandbox.Provider, error) {
	return &Provider{desc: desc}, nil
}

func (p *Provider) Descriptor() sandbox.Descriptor {
	return p.desc
}

// Initialize builds the client from in-cluster config, falling back to the
// default kubeconfig, and pings the API server.
func (p *Provider) Initialize(ctx context.Context) error {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return sandbox.WrapError(sandbox.KindConfigurationInvalid, "kubernetes config", err)
		}
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return sandbox.WrapError(sandbox.KindConfigurationInvalid, "kubernetes client", err)
	}

	if _, err := client.Discovery().ServerVersion(); err != nil {
		return sandbox.WrapError(sandbox.KindProviderUnavailable, "kubernetes api unreachable", err)
	}

	p.client = client
	return nil
}

func (p *Provider) CreateSandbox(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	if spec.Name == "" {
		return nil, sandbox.NewError(sandbox.KindConfigurationInvalid, "sandbox name is required")
	}

	image := spec.Image
	if image == "" {
		image = p.desc.Config.Image
	}

	podName := "forge-sandbox-" + spec.Name

	labels := map[string]string{
		"app":     managedLabel,
		"managed": "forge",
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	podSpec := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: p.desc.Config.Namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:       "sandbox",
					Image:      image,
					WorkingDir: "/workspace",
					Env: []corev1.EnvVar{
						{Name: "FORGE_SANDBOX_ROOT", Value: "/workspace"},
						{Name: "FORGE_DAEMON_PORT", Value: fmt.Sprintf("%d", p.desc.Config.DaemonPort)},
					},
					Ports: []corev1.ContainerPort{
						{Name: "http", ContainerPort: int32(p.desc.Config.DaemonPort)},
					},
					Resources: resourceRequirements(spec.Resources),
				},
			},
		},
	}

	if _, err := p.client.CoreV1().Pods(p.desc.Config.Namespace).Create(ctx, podSpec, metav1.CreateOptions{}); err != nil {
		return nil, classifyK8sError(err, "create sandbox pod")
	}

	pod, err := p.waitForRunning(ctx, podName)
	if err != nil {
		// Remove the half-started pod before reporting failure.
		propagation := metav1.DeletePropagationBackground
		_ = p.client.CoreV1().Pods(p.desc.Config.Namespace).Delete(
			context.WithoutCancel(ctx), podName, metav1.DeleteOptions{PropagationPolicy: &propagation})
		return nil, err
	}

	now := time.Now().UTC()
	return &sandbox.Handle{
		ID:             pod.Name,
		ProviderID:     p.desc.ID,
		Status:         sandbox.StatusRunning,
		Address:        pod.Status.PodIP,
		Port:           p.desc.Config.DaemonPort,
		Resources:      spec.Resources,
		CreatedAt:      now,
		LastActivityAt: now,
	}, nil
}

func (p *Provider) GetSandbox(ctx context.Context, id string) (*sandbox.Handle, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	pod, err := p.client.CoreV1().Pods(p.desc.Config.Namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		return nil, classifyK8sError(err, "get sandbox pod")
	}

	return &sandbox.Handle{
		ID:                pod.Name,
		ProviderID:        p.desc.ID,
		Status:            mapPodPhase(pod.Status.Phase),
		Address:           pod.Status.PodIP,
		Port:              p.desc.Config.DaemonPort,
		CreatedAt:         pod.CreationTimestamp.Time,
		LastHealthCheckAt: time.Now().UTC(),
	}, nil
}

func (p *Provider) ExecCommand(ctx context.Context, id string, cmd sandbox.Command) (*sandbox.ExecResult, error) {
	h, err := p.runningHandle(ctx, id)
	if err != nil {
		return nil, err
	}
	return sandbox.NewClient(h).Exec(ctx, cmd)
}

func (p *Provider) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	h, err := p.runningHandle(ctx, id)
	if err != nil {
		return nil, err
	}
	return sandbox.NewClient(h).ReadFile(ctx, path)
}

func (p *Provider) WriteFile(ctx context.Context, id, path string, data []byte) error {
	h, err := p.runningHandle(ctx, id)
	if err != nil {
		return err
	}
	return sandbox.NewClient(h).WriteFile(ctx, path, data)
}

func (p *Provider) DestroySandbox(ctx context.Context, id string) error {
	if err := p.ready(); err != nil {
		return err
	}

	propagation := metav1.DeletePropagationBackground
	err := p.client.CoreV1().Pods(p.desc.Config.Namespace).Delete(ctx, id, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		return classifyK8sError(err, "delete sandbox pod")
	}
	return nil
}

func (p *Provider) HealthCheck(ctx context.Context) sandbox.HealthStatus {
	status := sandbox.HealthStatus{ProviderID: p.desc.ID, CheckedAt: time.Now().UTC()}

	if p.client == nil {
		status.Err = "provider not initialized"
		return status
	}

	start := time.Now()
	_, err := p.client.Discovery().ServerVersion()
	status.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		status.Err = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

// Cleanup deletes every pod managed by forge in the configured namespace.
func (p *Provider) Cleanup(ctx context.Context) error {
	if p.client == nil {
		return nil
	}

	propagation := metav1.DeletePropagationBackground
	err := p.client.CoreV1().Pods(p.desc.Config.Namespace).DeleteCollection(ctx,
		metav1.DeleteOptions{PropagationPolicy: &propagation},
		metav1.ListOptions{LabelSelector: "app=" + managedLabel},
	)
	if err != nil && !apierrors.IsNotFound(err) {
		return classifyK8sError(err, "cleanup sandbox pods")
	}
	return nil
}

func (p *Provider) ready() error {
	if p.client == nil {
		return sandbox.NewError(sandbox.KindProviderUnavailable, "kubernetes provider not initialized")
	}
	return nil
}

func (p *Provider) runningHandle(ctx context.Context, id string) (*sandbox.Handle, error) {
	h, err := p.GetSandbox(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Status != sandbox.StatusRunning || h.Address == "" {
		return nil, sandbox.NewError(sandbox.KindProviderUnavailable,
			fmt.Sprintf("sandbox %s is not running (status=%s)", id, h.Status))
	}
	return h, nil
}

func (p *Provider) waitForRunning(ctx context.Context, podName string) (*corev1.Pod, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	timeout := time.After(2 * time.Minute)

	for {
		select {
		case <-ctx.Done():
			return nil, sandbox.Normalize(ctx.Err(), fmt.Sprintf("waiting for pod %s", podName))
		case <-timeout:
			return nil, sandbox.NewError(sandbox.KindTimeout,
				fmt.Sprintf("timed out waiting for pod %s to become running", podName))
		case <-ticker.C:
			pod, err := p.client.CoreV1().Pods(p.desc.Config.Namespace).Get(ctx, podName, metav1.GetOptions{})
			if err != nil {
				continue
			}
			if pod.Status.Phase == corev1.PodRunning && pod.Status.PodIP != "" {
				return pod, nil
			}
			if pod.Status.Phase == corev1.PodFailed {
				return nil, sandbox.NewError(sandbox.KindProviderUnavailable,
					fmt.Sprintf("pod %s failed to start", podName))
			}
		}
	}
}

func resourceRequirements(r sandbox.Resources) corev1.ResourceRequirements {
	limits := corev1.ResourceList{}
	if r.CPUMillis > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(r.CPUMillis, resource.DecimalSI)
	}
	if r.MemoryMB > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(r.MemoryMB*1024*1024, resource.BinarySI)
	}
	if r.StorageMB > 0 {
		limits[corev1.ResourceEphemeralStorage] = *resource.NewQuantity(r.StorageMB*1024*1024, resource.BinarySI)
	}
	if len(limits) == 0 {
		return corev1.ResourceRequirements{}
	}
	return corev1.ResourceRequirements{Limits: limits}
}

func mapPodPhase(phase corev1.PodPhase) sandbox.Status {
	switch phase {
	case corev1.PodRunning:
		return sandbox.StatusRunning
	case corev1.PodPending:
		return sandbox.StatusStarting
	case corev1.PodSucceeded:
		return sandbox.StatusStopped
	case corev1.PodFailed:
		return sandbox.StatusTerminated
	default:
		return sandbox.StatusUnknown
	}
}

func classifyK8sError(err error, op string) error {
	switch {
	case apierrors.IsNotFound(err):
		return sandbox.WrapError(sandbox.KindNotFound, op, err)
	case apierrors.IsForbidden(err) || apierrors.IsTooManyRequests(err) || apierrors.HasStatusCause(err, corev1.NamespaceTerminatingCause):
		return sandbox.WrapError(sandbox.KindResourceExhausted, op, err)
	case apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err):
		return sandbox.WrapError(sandbox.KindTimeout, op, err)
	default:
		return sandbox.Normalize(err, op)
	}
}
