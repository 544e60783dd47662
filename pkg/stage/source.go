package stage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/types"
)

// SourcePreparer materializes a source descriptor into dest
type SourcePreparer interface {
	Prepare(ctx context.Context, src types.SourceDescriptor, dest string) error
}

// FSPreparer copies local trees and clones git repositories
type FSPreparer struct {
	// GitBinary defaults to "git"
	GitBinary string
}

// Prepare replaces dest with the source tree
func (p *FSPreparer) Prepare(ctx context.Context, src types.SourceDescriptor, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dest, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
	}

	switch src.Type {
	case "local":
		if src.Path == "" {
			return errdefs.Validation("local source requires a path")
		}
		if err := os.CopyFS(dest, os.DirFS(src.Path)); err != nil {
			return fmt.Errorf("failed to copy %s: %w", src.Path, err)
		}
		return nil
	case "git":
		return p.clone(ctx, src, dest)
	case "":
		return errdefs.Validation("source has no type")
	}
	return errdefs.Validation("source type %q cannot be prepared locally", src.Type)
}

func (p *FSPreparer) clone(ctx context.Context, src types.SourceDescriptor, dest string) error {
	if src.URL == "" {
		return errdefs.Validation("git source requires a url")
	}
	remote, err := cloneURL(src)
	if err != nil {
		return err
	}

	bin := p.GitBinary
	if bin == "" {
		bin = "git"
	}
	args := []string{"clone", "--depth", "1"}
	if src.Ref != "" {
		args = append(args, "--branch", src.Ref)
	}
	args = append(args, remote, dest)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		// The remote may embed credentials; report the descriptor URL only
		return fmt.Errorf("failed to clone %s: %v: %s", src.URL, err, redact(string(out), remote, src.URL))
	}
	return nil
}

func cloneURL(src types.SourceDescriptor) (string, error) {
	if !src.HasInlineCredentials() {
		return src.URL, nil
	}
	u, err := url.Parse(src.URL)
	if err != nil {
		return "", errdefs.Validation("invalid git url: %v", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return src.URL, nil
	}
	secret := src.Token
	if secret == "" {
		secret = src.Password
	}
	user := src.Username
	if user == "" {
		user = "x-access-token"
	}
	u.User = url.UserPassword(user, secret)
	return u.String(), nil
}

func redact(s, secret, replacement string) string {
	if secret == replacement {
		return s
	}
	return strings.ReplaceAll(s, secret, replacement)
}
