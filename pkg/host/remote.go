package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	"github.com/panelprobe/panelprobe/pkg/util"
)

// Default timeouts for the remote context.
const (
	DefaultProbeTimeout   = 5 * time.Second
	DefaultCommandTimeout = 30 * time.Second
)

// Options configures a remote connection.
type Options struct {
	// ProbeTimeout bounds the TCP dial, SSH handshake and probe command together.
	ProbeTimeout time.Duration

	// CommandTimeout bounds each command run after the probe.
	CommandTimeout time.Duration

	Password        string
	KeyFiles        []string
	KnownHostsFile  string
	InsecureHostKey bool
}

// Remote runs commands on one host over a single SSH connection. Every
// command is escalated through sudo unless the login user is root.
type Remote struct {
	spec           HostSpec
	client         *ssh.Client
	agentConn      net.Conn
	commandTimeout time.Duration
	escalate       bool

	fetcherOnce sync.Once
	fetcher     Fetcher
	fetcherErr  error
}

// Dial connects to spec and verifies the connection by running a no-op
// command, all within opts.ProbeTimeout. When commands will be escalated,
// a non-interactive "sudo -n true" must succeed as well. Any failure is
// returned as a *util.ConnectivityError and no connection is kept.
func Dial(ctx context.Context, spec HostSpec, opts Options) (*Remote, error) {
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	cmdTimeout := opts.CommandTimeout
	if cmdTimeout <= 0 {
		cmdTimeout = DefaultCommandTimeout
	}

	config, agentConn, err := clientConfig(spec, opts, timeout)
	if err != nil {
		return nil, util.NewConnectivityError(spec.String(), err)
	}

	client, err := probe(ctx, spec, config, timeout)
	if err != nil {
		closeAgent(agentConn)
		return nil, util.NewConnectivityError(spec.String(), err)
	}

	r := &Remote{
		spec:           spec,
		client:         client,
		agentConn:      agentConn,
		commandTimeout: cmdTimeout,
		escalate:       spec.User != "root",
	}
	if r.escalate {
		if err := r.checkEscalation(ctx, timeout); err != nil {
			r.Close()
			return nil, util.NewConnectivityError(spec.String(), err)
		}
	}

	util.WithHost(spec.String()).Debug("connectivity probe succeeded")
	return r, nil
}

// checkEscalation runs "sudo -n true" so that a login without passwordless
// sudo fails up front instead of inside every check.
func (r *Remote) checkEscalation(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, _, err := r.exec(ctx, sudoWrap("true")); err != nil {
		return fmt.Errorf("%w for %s (passwordless sudo required): %v", util.ErrEscalation, r.spec.User, err)
	}
	return nil
}

func closeAgent(c net.Conn) {
	if c != nil {
		c.Close()
	}
}

// clientConfig also returns the ssh-agent connection backing the auth
// methods, if any; the caller owns it.
func clientConfig(spec HostSpec, opts Options, timeout time.Duration) (*ssh.ClientConfig, net.Conn, error) {
	hostKey, err := hostKeyCallback(opts)
	if err != nil {
		return nil, nil, err
	}
	methods, agentConn := authMethods(opts)
	return &ssh.ClientConfig{
		User:            spec.User,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, agentConn, nil
}

func hostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if opts.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := opts.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return cb, nil
}

// authMethods offers, in order: the running ssh-agent, readable private keys,
// then the configured password.
func authMethods(opts Options) ([]ssh.AuthMethod, net.Conn) {
	var methods []ssh.AuthMethod
	var agentConn net.Conn

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			agentConn = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			util.Debugf("ssh-agent unavailable: %v", err)
		}
	}

	keyFiles := opts.KeyFiles
	if len(keyFiles) == 0 {
		keyFiles = defaultKeyFiles()
	}
	var signers []ssh.Signer
	for _, f := range keyFiles {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			util.Debugf("skipping key %s: %v", f, err)
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}
	return methods, agentConn
}

func defaultKeyFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var files []string
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		files = append(files, filepath.Join(home, ".ssh", name))
	}
	return files
}

// PromptPassword reads a password from the controlling terminal without echo.
func PromptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func (r *Remote) Name() string { return r.spec.String() }

// Close closes the SSH connection and the ssh-agent connection.
func (r *Remote) Close() error {
	closeAgent(r.agentConn)
	return r.client.Close()
}

// Run executes cmd on the remote host in a fresh session.
func (r *Remote) Run(ctx context.Context, cmd string) (string, error) {
	out, _, err := r.exec(ctx, r.wrap(cmd))
	return out, err
}

func (r *Remote) wrap(cmd string) string {
	if r.escalate {
		return sudoWrap(cmd)
	}
	return cmd
}

// exec runs a fully formed command line and returns stdout and the exit
// status (-1 when the command did not exit normally).
func (r *Remote) exec(ctx context.Context, line string) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	session, err := r.client.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case <-ctx.Done():
		session.Close()
		return "", -1, fmt.Errorf("SSH exec %q: %w", line, ctx.Err())
	case err := <-done:
		if err == nil {
			return stdout.String(), 0, nil
		}
		status := -1
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitStatus()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stdout.String(), status, fmt.Errorf("SSH exec %q: %w: %s", line, err, msg)
		}
		return stdout.String(), status, fmt.Errorf("SSH exec %q: %w", line, err)
	}
}

// guarded runs cmd behind an existence check on path, mapping the guard's
// exit status to util.ErrNotFound.
func (r *Remote) guarded(ctx context.Context, path, cmd string) (string, error) {
	out, status, err := r.exec(ctx, r.wrap(guardExists(path, cmd)))
	if status == missingStatus {
		return "", notFound(path)
	}
	return out, err
}

// ReadFile transfers the file through the first available Fetcher.
func (r *Remote) ReadFile(ctx context.Context, path string) ([]byte, error) {
	f, err := r.selectFetcher(ctx)
	if err != nil {
		return nil, err
	}
	out, err := r.guarded(ctx, path, f.Command(path))
	if err != nil {
		return nil, err
	}
	return f.Decode(out)
}

func (r *Remote) selectFetcher(ctx context.Context) (Fetcher, error) {
	r.fetcherOnce.Do(func() {
		var tried []string
		for _, f := range DefaultFetchers {
			if r.HasCommand(ctx, f.Tool()) {
				util.WithHost(r.Name()).Debugf("using %s to read files", f.Name())
				r.fetcher = f
				return
			}
			tried = append(tried, f.Tool())
		}
		r.fetcherErr = util.NewCapabilityError("binary file transfer", tried...)
	})
	return r.fetcher, r.fetcherErr
}

// ReadDir lists path with ls; -L follows links so linked directories are
// reported as directories.
func (r *Remote) ReadDir(ctx context.Context, path string) ([]DirEntry, error) {
	out, err := r.guarded(ctx, path, "ls -1ApL "+Quote(path))
	if err != nil {
		return nil, err
	}
	return parseListing(out), nil
}

func parseListing(out string) []DirEntry {
	var entries []DirEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, "/") {
			entries = append(entries, DirEntry{Name: strings.TrimSuffix(line, "/"), IsDir: true})
		} else {
			entries = append(entries, DirEntry{Name: line})
		}
	}
	return entries
}

func (r *Remote) Stat(ctx context.Context, path string) (FileInfo, error) {
	out, err := r.guarded(ctx, path, "stat -L -c '%s %F' "+Quote(path))
	if err != nil {
		return FileInfo{}, err
	}
	return parseStat(path, out)
}

// parseStat parses "<size> <file type>" from stat -c '%s %F'.
func parseStat(path, out string) (FileInfo, error) {
	fields := strings.SplitN(strings.TrimSpace(out), " ", 2)
	if len(fields) != 2 {
		return FileInfo{}, fmt.Errorf("unexpected stat output for %s: %q", path, out)
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return FileInfo{}, fmt.Errorf("unexpected stat size for %s: %q", path, fields[0])
	}
	return FileInfo{Path: path, Size: size, IsDir: fields[1] == "directory"}, nil
}

// HasCommand looks the tool up under the same escalation the checks run
// with. Only status 1 means absent; any other failure is logged.
func (r *Remote) HasCommand(ctx context.Context, name string) bool {
	_, status, err := r.exec(ctx, r.wrap("command -v "+Quote(name)+" >/dev/null 2>&1"))
	if err != nil && status != 1 {
		util.WithHost(r.Name()).Warnf("looking up %s: %v", name, err)
	}
	return err == nil
}
