package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/dangazineu/envprep/internal/envvars"
	"github.com/dangazineu/envprep/internal/interfaces"
)

const defaultSSHTimeout = 30 * time.Second

// SSHConfig describes how to reach a remote node.
type SSHConfig struct {
	Host          string        `yaml:"host"`
	Port          string        `yaml:"port,omitempty"`
	User          string        `yaml:"user"`
	KeyFile       string        `yaml:"keyFile,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	KnownHostFile string        `yaml:"knownHostFile,omitempty"`
	StrictHostKey bool          `yaml:"strictHostKey,omitempty"`
	Timeout       time.Duration `yaml:"-"`
}

var _ interfaces.RootPath = (*SSHRoot)(nil)

// SSHRoot is an execution root on a remote node. Files move over SFTP and
// processes run in SSH sessions. The owner must Close it.
type SSHRoot struct {
	hostPort string
	root     string
	client   *ssh.Client
	files    *sftp.Client
}

// DialSSH connects to the node described by cfg and returns its root.
func DialSSH(cfg SSHConfig, root string) (*SSHRoot, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required")
	}
	if root == "" || !path.IsAbs(root) {
		return nil, fmt.Errorf("remote root must be an absolute path, got %q", root)
	}

	authMethod, err := selectAuthMethod(cfg)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := hostKeyCallback(cfg.StrictHostKey, cfg.KnownHostFile)
	if err != nil {
		return nil, fmt.Errorf("failed to setup host key verification: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultSSHTimeout
	}

	port := cfg.Port
	if port == "" || port == "0" {
		port = "22"
	}
	hostPort := net.JoinHostPort(cfg.Host, port)

	client, err := ssh.Dial("tcp", hostPort, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", hostPort, err)
	}

	files, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to start sftp on %s: %w", hostPort, err)
	}

	return &SSHRoot{hostPort: hostPort, root: root, client: client, files: files}, nil
}

func selectAuthMethod(cfg SSHConfig) (ssh.AuthMethod, error) {
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key %s: %w", cfg.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh key %s: %w", cfg.KeyFile, err)
		}
		return ssh.PublicKeys(signer), nil
	}
	if cfg.Password != "" {
		return ssh.Password(cfg.Password), nil
	}
	return nil, fmt.Errorf("either keyFile or password is required for ssh")
}

func hostKeyCallback(strict bool, knownHostFile string) (ssh.HostKeyCallback, error) {
	if !strict {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec
	}
	if knownHostFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		knownHostFile = path.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(knownHostFile)
}

func (r *SSHRoot) Remote() string {
	return r.root
}

func (r *SSHRoot) String() string {
	return r.hostPort + ":" + r.root
}

func (r *SSHRoot) resolve(p string) string {
	if p == "" {
		return r.root
	}
	if path.IsAbs(p) {
		return p
	}
	return path.Join(r.root, p)
}

func (r *SSHRoot) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := r.files.Open(r.resolve(p))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (r *SSHRoot) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := r.resolve(p)
	if err := r.files.MkdirAll(path.Dir(target)); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}
	f, err := r.files.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (r *SSHRoot) Remove(_ context.Context, p string) error {
	if err := r.files.Remove(r.resolve(p)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (r *SSHRoot) Launch(ctx context.Context, spec interfaces.LaunchSpec) (int, error) {
	command, err := RemoteCommand(r.resolve(spec.Dir), spec)
	if err != nil {
		return -1, err
	}

	session, err := r.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("failed to create session on %s: %w", r.hostPort, err)
	}
	defer session.Close()

	// The session copies stdout and stderr on separate goroutines.
	session.Stdout, session.Stderr = launchWriters(spec.Stdout, spec.Stderr)

	if err := session.Start(command); err != nil {
		return -1, fmt.Errorf("failed to launch on %s: %w", r.hostPort, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return -1, fmt.Errorf("process interrupted: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, fmt.Errorf("lost process on %s: %w", r.hostPort, err)
	}
}

// Close releases the SFTP and SSH connections.
func (r *SSHRoot) Close() error {
	filesErr := r.files.Close()
	clientErr := r.client.Close()
	if filesErr != nil {
		return filesErr
	}
	return clientErr
}

// RemoteCommand renders spec as one POSIX shell command line that changes to
// dir and runs the command with exactly spec.Env as its environment.
func RemoteCommand(dir string, spec interfaces.LaunchSpec) (string, error) {
	if len(spec.Command) == 0 {
		return "", fmt.Errorf("no command to launch")
	}

	quotedDir, err := envvars.Quote(dir)
	if err != nil {
		return "", fmt.Errorf("cannot quote directory %q: %w", dir, err)
	}

	parts := []string{"cd", quotedDir, "&&", "exec", "env", "-i"}
	var quoteErr error
	spec.Env.Range(func(k, v string) bool {
		assignment, err := envvars.Quote(k + "=" + v)
		if err != nil {
			quoteErr = fmt.Errorf("cannot pass variable %s: %w", k, err)
			return false
		}
		parts = append(parts, assignment)
		return true
	})
	if quoteErr != nil {
		return "", quoteErr
	}

	for _, arg := range spec.Command {
		quoted, err := envvars.Quote(arg)
		if err != nil {
			return "", fmt.Errorf("cannot quote argument %q: %w", arg, err)
		}
		parts = append(parts, quoted)
	}
	return strings.Join(parts, " "), nil
}
