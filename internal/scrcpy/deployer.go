package scrcpy

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"droidcast/internal/metrics"
)

// DefaultRemotePath is where the helper jar lives on the device.
const DefaultRemotePath = "/data/local/tmp/scrcpy-server.jar"

// ErrDeployFailed is returned when the helper could not be placed on the
// device with a matching checksum, even after a retry.
var ErrDeployFailed = errors.New("scrcpy: deploy failed")

// DeviceLink is the slice of an ADB link the deployer needs.
type DeviceLink interface {
	Serial() string
	Shell(ctx context.Context, cmd string) (string, error)
	Push(ctx context.Context, data []byte, remotePath string, mode uint32) error
}

// Artifact is a helper build loaded into memory, ready to push.
type Artifact struct {
	Version string
	Data    []byte

	sum string
}

// LoadArtifact reads a helper jar from disk.
func LoadArtifact(path, version string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read helper jar: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("helper jar %s is empty", path)
	}
	return &Artifact{Version: version, Data: data}, nil
}

// Checksum returns the artifact's md5 hex digest, computed once.
func (a *Artifact) Checksum() string {
	if a.sum == "" {
		h := md5.Sum(a.Data)
		a.sum = hex.EncodeToString(h[:])
	}
	return a.sum
}

// Deployer pushes the helper jar to devices and verifies it landed intact.
// Deploy is idempotent: a device that already holds the exact bytes is
// left untouched.
type Deployer struct {
	remotePath string
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewDeployer(m *metrics.Metrics, logger *slog.Logger) *Deployer {
	return &Deployer{
		remotePath: DefaultRemotePath,
		metrics:    m,
		logger:     logger.With("component", "deployer"),
	}
}

// Deploy ensures the artifact is present on the device at the remote path.
// The on-device copy is verified by checksum, never assumed: a stale or
// truncated jar from an earlier run is replaced. One retry on mismatch.
func (d *Deployer) Deploy(ctx context.Context, link DeviceLink, art *Artifact) error {
	want := art.Checksum()

	got, err := d.remoteChecksum(ctx, link)
	if err != nil {
		return fmt.Errorf("probe %s: %w", d.remotePath, err)
	}
	if got == want {
		d.logger.Debug("helper already deployed",
			"serial", link.Serial(), "version", art.Version)
		return nil
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if err := d.push(ctx, link, art); err != nil {
			if attempt == 2 {
				return fmt.Errorf("%w: push: %v", ErrDeployFailed, err)
			}
			d.metrics.DeployRetries.Inc()
			d.logger.Warn("helper push failed, retrying",
				"serial", link.Serial(), "err", err)
			continue
		}
		got, err = d.remoteChecksum(ctx, link)
		if err != nil {
			return fmt.Errorf("verify %s: %w", d.remotePath, err)
		}
		if got == want {
			d.logger.Info("helper deployed",
				"serial", link.Serial(), "version", art.Version, "bytes", len(art.Data))
			return nil
		}
		if attempt < 2 {
			d.metrics.DeployRetries.Inc()
		}
		d.logger.Warn("helper checksum mismatch after push",
			"serial", link.Serial(), "want", want, "got", got, "attempt", attempt)
	}
	return fmt.Errorf("%w: checksum mismatch on %s", ErrDeployFailed, link.Serial())
}

// RemotePath reports where Deploy places the helper.
func (d *Deployer) RemotePath() string { return d.remotePath }

func (d *Deployer) push(ctx context.Context, link DeviceLink, art *Artifact) error {
	// Remove first so a failed transfer cannot masquerade as the old copy.
	if _, err := link.Shell(ctx, "rm -f "+d.remotePath); err != nil {
		return err
	}
	return link.Push(ctx, art.Data, d.remotePath, 0o644)
}

// remoteChecksum returns the md5 of the on-device jar, or "" when the file
// is absent.
func (d *Deployer) remoteChecksum(ctx context.Context, link DeviceLink) (string, error) {
	out, err := link.Shell(ctx, "md5sum "+d.remotePath)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" || strings.Contains(out, "No such file") {
		return "", nil
	}
	fields := strings.Fields(out)
	if len(fields) < 1 || len(fields[0]) != 32 {
		return "", nil
	}
	return fields[0], nil
}
