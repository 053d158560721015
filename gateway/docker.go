package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// workerLabelService tags every container the gateway owns, so external
// reconciliation can find strays after a crash.
const workerLabelService = "preview-gateway"

// ContainerDriver is the surface the session manager needs from the
// container runtime. Tests substitute a fake.
type ContainerDriver interface {
	CreateAndStart(ctx context.Context, spec WorkerSpec) (string, error)
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Logs(ctx context.Context, containerID string, tail int, since time.Time) ([]string, error)
}

// WorkerSpec describes one preview worker container.
type WorkerSpec struct {
	SessionID string
	WorkDir   string
	HostPort  int
}

// DockerDriver talks to the Docker daemon.
type DockerDriver struct {
	cli *client.Client
	cfg *ContainerConfig
}

// NewDockerDriver creates a driver from the environment (DOCKER_HOST etc.).
func NewDockerDriver(cfg *ContainerConfig) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerDriver{cli: cli, cfg: cfg}, nil
}

// CreateAndStart launches a worker bound to the session's host port with
// the full resource and security envelope. The work directory is
// bind-mounted read-write at /app.
func (d *DockerDriver) CreateAndStart(ctx context.Context, spec WorkerSpec) (string, error) {
	internalPort, err := nat.NewPort("tcp", strconv.Itoa(d.cfg.Port))
	if err != nil {
		return "", fmt.Errorf("invalid container port: %w", err)
	}

	config := &container.Config{
		Image: d.cfg.Image,
		Env: []string{
			"PREVIEW_SESSION_ID=" + spec.SessionID,
			"VITE_TELEMETRY_DISABLED=1",
			"NPM_CONFIG_OFFLINE=true",
		},
		Labels: map[string]string{
			"preview.session":    spec.SessionID,
			"preview.service":    workerLabelService,
			"preview.created_at": time.Now().UTC().Format(time.RFC3339),
		},
		ExposedPorts: nat.PortSet{internalPort: struct{}{}},
		Healthcheck: &container.HealthConfig{
			Test:        []string{"CMD-SHELL", fmt.Sprintf("curl -sf http://localhost:%d/ || exit 1", d.cfg.Port)},
			Interval:    10 * time.Second,
			Timeout:     5 * time.Second,
			Retries:     3,
			StartPeriod: 30 * time.Second,
		},
	}

	pids := d.cfg.PidsLimit
	hostConfig := &container.HostConfig{
		AutoRemove: true,
		Binds:      []string{spec.WorkDir + ":/app:rw"},
		PortBindings: nat.PortMap{
			internalPort: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(spec.HostPort),
			}},
		},
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CHOWN", "SETUID", "SETGID"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:            d.cfg.MemoryMiB << 20,
			MemorySwap:        d.cfg.MemoryMiB << 20, // no swap beyond the cap
			MemoryReservation: d.cfg.MemoryReservationMiB << 20,
			CPUPeriod:         100_000,
			CPUQuota:          d.cfg.CPUPercent * 1_000,
			CPUShares:         d.cfg.CPUShares,
			PidsLimit:         &pids,
			BlkioWeight:       d.cfg.BlkioWeight,
			OomKillDisable:    boolPtr(false),
		},
	}
	if d.cfg.DiskMiB > 0 {
		// Honoured only on storage drivers that support per-container
		// quotas (overlay2 on xfs with pquota); Docker rejects it elsewhere.
		// It is set whenever disk_mib is positive, which includes the
		// default; a negative disk_mib leaves it out.
		hostConfig.StorageOpt = map[string]string{
			"size": fmt.Sprintf("%dM", d.cfg.DiskMiB),
		}
	}
	if d.cfg.DNS != "" {
		hostConfig.DNS = []string{d.cfg.DNS}
	}

	var netConfig *network.NetworkingConfig
	if d.cfg.Network != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				d.cfg.Network: {},
			},
		}
	}

	name := "preview-" + spec.SessionID
	created, err := d.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create failed: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Best-effort removal; autoremove only fires after a start.
		if rmErr := d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			slog.Debug("cleanup of unstarted container failed", "container", created.ID, "error", rmErr)
		}
		return "", fmt.Errorf("container start failed: %w", err)
	}

	return created.ID, nil
}

// Stop stops a worker with the given grace period; Docker escalates to
// SIGKILL after it. Idempotent: a missing container is success.
func (d *DockerDriver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Logs returns up to tail lines of combined stdout/stderr, optionally
// bounded to entries after since.
func (d *DockerDriver) Logs(ctx context.Context, containerID string, tail int, since time.Time) ([]string, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	}
	if !since.IsZero() {
		opts.Since = since.UTC().Format(time.RFC3339)
	}

	rc, err := d.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	text := stripDockerLogHeaders(raw)

	var lines []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}

// Close closes the Docker client connection.
func (d *DockerDriver) Close() error {
	return d.cli.Close()
}

// stripDockerLogHeaders removes the 8-byte multiplexing header Docker
// prepends to each log frame: [stream_type(1), 0, 0, 0, size(4)] + payload.
func stripDockerLogHeaders(b []byte) string {
	var buf bytes.Buffer
	for len(b) >= 8 {
		size := int(b[4])<<24 | int(b[5])<<16 | int(b[6])<<8 | int(b[7])
		b = b[8:]
		if size > len(b) {
			size = len(b)
		}
		buf.Write(b[:size])
		b = b[size:]
	}
	return buf.String()
}

// isNotFound matches the daemon's "No such container" class of errors.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such container")
}

func boolPtr(b bool) *bool { return &b }
