package transfer

import (
	"context"
	"strings"
)

// Executor mirrors local state to the destination. Sync must be
// idempotent: repeated invocations for an unchanged path converge on the
// same remote state. A path that no longer exists locally is removed on
// the remote side (mirror semantics, not merge).
type Executor interface {
	// Sync mirrors a single path (file or subtree) under the watch root.
	Sync(ctx context.Context, path string) error
	// SyncAll mirrors the entire watch root.
	SyncAll(ctx context.Context) error
}

// Target is a destination descriptor in "host:path" or plain "path" form.
type Target struct {
	Host string
	Path string
}

func ParseTarget(spec string) Target {
	host, path, found := strings.Cut(spec, ":")
	if !found || host == "" || strings.Contains(host, "/") {
		return Target{Path: spec}
	}
	return Target{Host: host, Path: path}
}

func (t Target) Remote() bool {
	return t.Host != ""
}

func (t Target) String() string {
	if t.Remote() {
		return t.Host + ":" + t.Path
	}
	return t.Path
}
