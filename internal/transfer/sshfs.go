package transfer

import (
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"dirsynch/internal/logger"
)

// SSHFSMount exposes a remote host:path as a local directory so the
// Mirror can treat the remote side as a plain filesystem.
type SSHFSMount struct {
	target     Target
	mountPoint string
}

func MountSSHFS(target Target) (*SSHFSMount, error) {
	if !target.Remote() {
		return nil, fmt.Errorf("target %s is not remote", target)
	}

	mountPoint, err := os.MkdirTemp("", "dirsynch-mount-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create mount point: %w", err)
	}

	if err := runSSHFS(target, mountPoint); err != nil {
		// the remote directory may not exist yet; create it and retry once
		if mkErr := exec.Command("ssh", target.Host, "mkdir", "-p", target.Path).Run(); mkErr != nil {
			_ = os.Remove(mountPoint)
			return nil, fmt.Errorf("failed to create remote directory %s: %w", target, mkErr)
		}

		if err := runSSHFS(target, mountPoint); err != nil {
			_ = os.Remove(mountPoint)
			return nil, err
		}
	}

	logger.Log.Info("sshfs mounted",
		zap.String("target", target.String()),
		zap.String("mount_point", mountPoint))

	return &SSHFSMount{target: target, mountPoint: mountPoint}, nil
}

func runSSHFS(target Target, mountPoint string) error {
	out, err := exec.Command("sshfs", target.String(), mountPoint).CombinedOutput()
	if err != nil {
		return fmt.Errorf("sshfs %s %s failed: %w: %s", target, mountPoint, err, out)
	}
	return nil
}

func (m *SSHFSMount) Path() string {
	return m.mountPoint
}

func (m *SSHFSMount) Close() error {
	if out, err := exec.Command("fusermount3", "-u", m.mountPoint).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to unmount %s: %w: %s", m.mountPoint, err, out)
	}

	if err := os.Remove(m.mountPoint); err != nil {
		logger.Log.Warn("failed to remove mount point",
			zap.String("path", m.mountPoint),
			zap.Error(err))
	}

	logger.Log.Info("sshfs unmounted",
		zap.String("mount_point", m.mountPoint))
	return nil
}
