// Package docker_sandbox is the container-backed provider variant. It
// drives the local docker CLI and talks to the forge daemon over the
// container network for exec and file traffic.
package docker_sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/curaious/forge/pkg/sandbox"
)

const sandboxLabel = "forge.sandbox=1"

// Provider implements sandbox.Provider on top of the docker CLI.
type Provider struct {
	desc sandbox.Descriptor
}

// New constructs the docker variant for the given descriptor.
func New(desc sandbox.Descriptor) (sandbox.Provider, error) {
	return &Provider{desc: desc}, nil
}

func (p *Provider) Descriptor() sandbox.Descriptor {
	return p.desc
}

// Initialize verifies the docker daemon is reachable.
func (p *Provider) Initialize(ctx context.Context) error {
	if _, err := runDocker(ctx, "version", "--format", "{{.Server.Version}}"); err != nil {
		return sandbox.WrapError(sandbox.KindProviderUnavailable, "docker daemon unreachable", err)
	}
	return nil
}

func (p *Provider) CreateSandbox(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	if spec.Name == "" {
		return nil, sandbox.NewError(sandbox.KindConfigurationInvalid, "sandbox name is required")
	}

	image := spec.Image
	if image == "" {
		image = p.desc.Config.Image
	}

	name := containerName(spec.Name)

	args := []string{"run", "-d", "--name", name, "--label", sandboxLabel}
	if p.desc.Config.Network != "" {
		args = append(args, "--network", p.desc.Config.Network)
	}
	if spec.Resources.CPUMillis > 0 {
		args = append(args, fmt.Sprintf("--cpus=%.2f", float64(spec.Resources.CPUMillis)/1000))
	}
	if spec.Resources.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("--memory=%dm", spec.Resources.MemoryMB))
	}
	args = append(args,
		"-e", fmt.Sprintf("FORGE_DAEMON_PORT=%d", p.desc.Config.DaemonPort),
		"-e", "FORGE_SANDBOX_ROOT=/workspace",
		image,
	)

	if _, err := runDocker(ctx, args...); err != nil {
		return nil, classifyDockerError(err, "docker run")
	}

	ip, err := p.waitForIP(ctx, name)
	if err != nil {
		// Roll back the half-started container; a handle we cannot reach
		// is worse than no handle.
		_, _ = runDocker(context.WithoutCancel(ctx), "rm", "-f", name)
		return nil, err
	}

	now := time.Now().UTC()
	return &sandbox.Handle{
		ID:             name,
		ProviderID:     p.desc.ID,
		Status:         sandbox.StatusRunning,
		Address:        ip,
		Port:           p.desc.Config.DaemonPort,
		Resources:      spec.Resources,
		CreatedAt:      now,
		LastActivityAt: now,
	}, nil
}

func (p *Provider) GetSandbox(ctx context.Context, id string) (*sandbox.Handle, error) {
	out, err := runDocker(ctx, "inspect", "-f",
		"{{.State.Status}} {{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", id)
	if err != nil {
		return nil, classifyDockerError(err, "docker inspect")
	}

	fields := strings.Fields(strings.TrimSpace(out))
	h := &sandbox.Handle{
		ID:                id,
		ProviderID:        p.desc.ID,
		Status:            sandbox.StatusUnknown,
		Port:              p.desc.Config.DaemonPort,
		LastHealthCheckAt: time.Now().UTC(),
	}
	if len(fields) > 0 {
		h.Status = mapContainerState(fields[0])
	}
	if len(fields) > 1 {
		h.Address = fields[1]
	}
	return h, nil
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
	if _, err := p.GetSandbox(ctx, id); err != nil {
		return err
	}
	if _, err := runDocker(ctx, "rm", "-f", id); err != nil {
		return classifyDockerError(err, "docker rm")
	}
	return nil
}

func (p *Provider) HealthCheck(ctx context.Context) sandbox.HealthStatus {
	status := sandbox.HealthStatus{ProviderID: p.desc.ID, CheckedAt: time.Now().UTC()}

	start := time.Now()
	_, err := runDocker(ctx, "version", "--format", "{{.Server.Version}}")
	status.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		status.Err = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

// Cleanup removes every container carrying the forge sandbox label.
// Idempotent: a second call finds nothing to remove.
func (p *Provider) Cleanup(ctx context.Context) error {
	out, err := runDocker(ctx, "ps", "-aq", "--filter", "label="+sandboxLabel)
	if err != nil {
		return classifyDockerError(err, "docker ps")
	}

	ids := strings.Fields(strings.TrimSpace(out))
	if len(ids) == 0 {
		return nil
	}

	args := append([]string{"rm", "-f"}, ids...)
	if _, err := runDocker(ctx, args...); err != nil {
		return classifyDockerError(err, "docker rm")
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

func (p *Provider) waitForIP(ctx context.Context, name string) (string, error) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", sandbox.Normalize(ctx.Err(), "wait for container address")
		default:
		}

		h, err := p.GetSandbox(ctx, name)
		if err == nil && h.Address != "" {
			return h.Address, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return "", sandbox.NewError(sandbox.KindTimeout,
		fmt.Sprintf("container %s did not get an address", name))
}

func containerName(base string) string {
	return "forge-sandbox-" + base
}

func mapContainerState(state string) sandbox.Status {
	switch state {
	case "running":
		return sandbox.StatusRunning
	case "created", "restarting":
		return sandbox.StatusStarting
	case "paused", "exited":
		return sandbox.StatusStopped
	case "dead", "removing":
		return sandbox.StatusTerminated
	default:
		return sandbox.StatusUnknown
	}
}

func classifyDockerError(err error, op string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "No such container") || strings.Contains(msg, "No such object"):
		return sandbox.WrapError(sandbox.KindNotFound, op, err)
	case strings.Contains(msg, "no space left") || strings.Contains(msg, "memory"):
		return sandbox.WrapError(sandbox.KindResourceExhausted, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return sandbox.WrapError(sandbox.KindTimeout, op, err)
	default:
		return sandbox.WrapError(sandbox.KindProviderUnavailable, op, err)
	}
}

func runDocker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out.String(), nil
}
