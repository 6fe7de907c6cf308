package host_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/shlex"
	"golang.org/x/crypto/ssh"

	"github.com/panelprobe/panelprobe/internal/testutil"
	"github.com/panelprobe/panelprobe/pkg/config"
	"github.com/panelprobe/panelprobe/pkg/diag"
	"github.com/panelprobe/panelprobe/pkg/host"
	"github.com/panelprobe/panelprobe/pkg/util"
)

// sshServer is an in-process SSH server that answers the commands Remote
// sends from the contents of a FakeHost.
type sshServer struct {
	fake       *testutil.FakeHost
	refuseSudo bool
	port       int
	stop       chan struct{}

	mu          sync.Mutex
	lines       []string
	escalations int
	lookups     int
}

var guardRe = regexp.MustCompile(`^test -e '([^']*)' \|\| exit 44; (.*)$`)

// startSSHServer serves fake until the test ends. With refuseSudo every
// sudo invocation fails the way a login without NOPASSWD does.
func startSSHServer(t *testing.T, fake *testutil.FakeHost, refuseSudo bool) *sshServer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}
	serverConfig := &ssh.ServerConfig{NoClientAuth: true}
	serverConfig.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &sshServer{
		fake:       fake,
		refuseSudo: refuseSudo,
		port:       ln.Addr().(*net.TCPAddr).Port,
		stop:       make(chan struct{}),
	}
	t.Cleanup(func() {
		close(s.stop)
		ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveConn(conn, serverConfig)
		}
	}()
	return s
}

func (s *sshServer) serveConn(conn net.Conn, serverConfig *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, serverConfig)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		go s.serveSession(ch, requests)
	}
}

func (s *sshServer) serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		stdout, stderr, status := s.execute(payload.Command)
		io.WriteString(ch, stdout)
		io.WriteString(ch.Stderr(), stderr)
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
		return
	}
}

// execute unwraps sudo and the existence guard the way sh would, then
// answers the remaining command.
func (s *sshServer) execute(line string) (string, string, int) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()

	cmd := line
	if strings.HasPrefix(line, "sudo ") {
		args, err := shlex.Split(line)
		if err != nil || len(args) != 5 || strings.Join(args[:4], " ") != "sudo -n sh -c" {
			return "", "sudo: unexpected invocation\n", 1
		}
		if s.refuseSudo {
			return "", "sudo: a password is required\n", 1
		}
		s.mu.Lock()
		s.escalations++
		s.mu.Unlock()
		cmd = args[4]
	}

	ctx := context.Background()
	if m := guardRe.FindStringSubmatch(cmd); m != nil {
		if _, err := s.fake.Stat(ctx, m[1]); err != nil {
			return "", "", 44
		}
		cmd = m[2]
	}

	args, err := shlex.Split(cmd)
	if err != nil || len(args) == 0 {
		return "", fmt.Sprintf("sh: cannot parse %q\n", cmd), 2
	}
	switch {
	case cmd == "true":
		return "", "", 0
	case args[0] == "command" && len(args) >= 3 && args[1] == "-v":
		s.mu.Lock()
		s.lookups++
		s.mu.Unlock()
		if s.fake.HasCommand(ctx, args[2]) {
			return "", "", 0
		}
		return "", "", 1
	case args[0] == "base64" && len(args) == 3 && args[1] == "<":
		return s.dump(args[2], func(b []byte) string {
			return wrapColumns(base64.StdEncoding.EncodeToString(b), 76)
		})
	case args[0] == "xxd" && len(args) == 3 && args[1] == "-p":
		return s.dump(args[2], func(b []byte) string {
			return wrapColumns(hex.EncodeToString(b), 60)
		})
	case args[0] == "od" && len(args) == 5:
		return s.dump(args[4], odDump)
	case args[0] == "ls" && len(args) == 3 && args[1] == "-1ApL":
		entries, err := s.fake.ReadDir(ctx, args[2])
		if err != nil {
			return "", "ls: " + err.Error() + "\n", 2
		}
		var b strings.Builder
		for _, e := range entries {
			b.WriteString(e.Name)
			if e.IsDir {
				b.WriteString("/")
			}
			b.WriteString("\n")
		}
		return b.String(), "", 0
	case args[0] == "stat" && len(args) == 5:
		fi, err := s.fake.Stat(ctx, args[4])
		if err != nil {
			return "", "stat: " + err.Error() + "\n", 1
		}
		if fi.IsDir {
			return "4096 directory\n", "", 0
		}
		return fmt.Sprintf("%d regular file\n", fi.Size), "", 0
	case args[0] == "sleep":
		<-s.stop
		return "", "", 0
	}

	out, err := s.fake.Run(ctx, cmd)
	if err != nil {
		return "", err.Error() + "\n", 1
	}
	return out, "", 0
}

func (s *sshServer) dump(p string, encode func([]byte) string) (string, string, int) {
	data, err := s.fake.ReadFile(context.Background(), p)
	if err != nil {
		return "", err.Error() + "\n", 1
	}
	return encode(data), "", 0
}

func wrapColumns(s string, width int) string {
	var b strings.Builder
	for len(s) > width {
		b.WriteString(s[:width] + "\n")
		s = s[width:]
	}
	if s != "" {
		b.WriteString(s + "\n")
	}
	return b.String()
}

func odDump(data []byte) string {
	var b strings.Builder
	for i, c := range data {
		fmt.Fprintf(&b, " %02x", c)
		if i%16 == 15 {
			b.WriteString("\n")
		}
	}
	if len(data)%16 != 0 {
		b.WriteString("\n")
	}
	return b.String()
}

func (s *sshServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *sshServer) counts() (escalations, lookups int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escalations, s.lookups
}

func dialTest(t *testing.T, s *sshServer, user string, opts host.Options) *host.Remote {
	t.Helper()
	r, err := host.Dial(context.Background(), specFor(s, user), withTestAuth(t, opts))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func specFor(s *sshServer, user string) host.HostSpec {
	return host.HostSpec{User: user, Host: "127.0.0.1", Port: s.port}
}

// withTestAuth keeps the client away from the user's agent and keys.
func withTestAuth(t *testing.T, opts host.Options) host.Options {
	t.Setenv("SSH_AUTH_SOCK", "")
	opts.InsecureHostKey = true
	opts.KeyFiles = []string{filepath.Join(t.TempDir(), "absent")}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return opts
}

func TestRemote_RunEscalatesForNonRoot(t *testing.T) {
	fake := testutil.NewFakeHost()
	fake.SetCommand("uname -r", "6.6.31\n", nil)
	s := startSSHServer(t, fake, false)
	r := dialTest(t, s, "pi", host.Options{})

	out, err := r.Run(context.Background(), "uname -r")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "6.6.31\n" {
		t.Errorf("Run() = %q", out)
	}

	lines := s.received()
	want := []string{"true", "sudo -n sh -c 'true'", "sudo -n sh -c 'uname -r'"}
	if len(lines) != len(want) {
		t.Fatalf("server received %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestRemote_RootRunsUnwrapped(t *testing.T) {
	fake := testutil.NewFakeHost()
	fake.SetCommand("uname -r", "6.6.31\n", nil)
	s := startSSHServer(t, fake, true)
	r := dialTest(t, s, "root", host.Options{})

	if _, err := r.Run(context.Background(), "uname -r"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, l := range s.received() {
		if strings.HasPrefix(l, "sudo") {
			t.Errorf("root session sent %q", l)
		}
	}
	if esc, _ := s.counts(); esc != 0 {
		t.Errorf("escalations = %d, want 0", esc)
	}
}

func TestRemote_RunReportsExitStatus(t *testing.T) {
	fake := testutil.NewFakeHost()
	fake.SetCommand("dmesg", "", errors.New("dmesg: read kernel buffer failed: Operation not permitted"))
	s := startSSHServer(t, fake, false)
	r := dialTest(t, s, "pi", host.Options{})

	_, err := r.Run(context.Background(), "dmesg")
	if err == nil {
		t.Fatal("Run() should fail on a non-zero exit")
	}
	var exitErr *ssh.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitStatus() != 1 {
		t.Errorf("error %v should carry exit status 1", err)
	}
	if !strings.Contains(err.Error(), "Operation not permitted") {
		t.Errorf("error %q should include stderr", err)
	}
}

func TestDial_EscalationRefused(t *testing.T) {
	s := startSSHServer(t, testutil.NewFakeHost(), true)

	_, err := host.Dial(context.Background(), specFor(s, "pi"), withTestAuth(t, host.Options{}))
	if err == nil {
		t.Fatal("Dial() should fail when sudo needs a password")
	}
	if !errors.Is(err, util.ErrUnreachable) {
		t.Errorf("error %v should wrap ErrUnreachable", err)
	}
	if !errors.Is(err, util.ErrEscalation) {
		t.Errorf("error %v should wrap ErrEscalation", err)
	}
	if !strings.Contains(err.Error(), "a password is required") {
		t.Errorf("error %q should include the sudo message", err)
	}
}

func TestRemote_GuardedMissingPath(t *testing.T) {
	fake := testutil.NewFakeHost().AddTool("base64")
	s := startSSHServer(t, fake, false)
	r := dialTest(t, s, "pi", host.Options{})
	ctx := context.Background()

	const missing = "/sys/class/drm/card1-DSI-1/status"
	if _, err := r.ReadFile(ctx, missing); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("ReadFile() error = %v, want ErrNotFound", err)
	}
	if _, err := r.ReadDir(ctx, "/proc/device-tree"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("ReadDir() error = %v, want ErrNotFound", err)
	}
	if _, err := r.Stat(ctx, "/lib/modules/6.6.31"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("Stat() error = %v, want ErrNotFound", err)
	}
}

func TestRemote_ReadFileFetcherOrder(t *testing.T) {
	// bytes a text channel would mangle
	payload := append(testutil.Cells(0x12345678, 0xff00ff00), '\n', '\'', 0, 0xc3)

	tests := []struct {
		name    string
		tools   []string
		command string
	}{
		{"all installed", []string{"base64", "xxd", "od"}, "base64 < "},
		{"xxd and od", []string{"xxd", "od"}, "xxd -p "},
		{"od only", []string{"od"}, "od -An -v -tx1 "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := testutil.NewFakeHost().AddTool(tt.tools...)
			fake.AddFile("/proc/device-tree/soc/reg", payload)
			s := startSSHServer(t, fake, false)
			r := dialTest(t, s, "pi", host.Options{})
			ctx := context.Background()

			for i := 0; i < 2; i++ {
				got, err := r.ReadFile(ctx, "/proc/device-tree/soc/reg")
				if err != nil {
					t.Fatalf("ReadFile() error = %v", err)
				}
				if !bytes.Equal(got, payload) {
					t.Errorf("ReadFile() = %x, want %x", got, payload)
				}
			}

			_, lookups := s.counts()
			if want := 4 - len(tt.tools); lookups != want {
				t.Errorf("tool lookups = %d, want %d (selection is cached)", lookups, want)
			}
			used := false
			for _, l := range s.received() {
				if strings.Contains(l, tt.command) {
					used = true
				}
			}
			if !used {
				t.Errorf("no command containing %q in %q", tt.command, s.received())
			}
		})
	}
}

func TestRemote_ReadFileWithoutTransferTool(t *testing.T) {
	fake := testutil.NewFakeHost()
	fake.AddText("/proc/modules", "vc4 303104 5 - Live 0x0\n")
	s := startSSHServer(t, fake, false)
	r := dialTest(t, s, "pi", host.Options{})

	_, err := r.ReadFile(context.Background(), "/proc/modules")
	if !errors.Is(err, util.ErrCapabilityMissing) {
		t.Fatalf("ReadFile() error = %v, want ErrCapabilityMissing", err)
	}
	if !strings.Contains(err.Error(), "base64, xxd, od") {
		t.Errorf("error %q should list the tools tried", err)
	}
}

func TestRemote_ReadDirAndStat(t *testing.T) {
	fake := testutil.NewFakeHost()
	fake.AddText("/sys/class/drm/card1-DSI-1/status", "connected\n")
	fake.AddText("/sys/class/drm/version", "drm 1.1.0\n")
	fake.AddFile("/lib/modules/6.6.31/panel.ko.xz", make([]byte, 12288))
	s := startSSHServer(t, fake, false)
	r := dialTest(t, s, "pi", host.Options{})
	ctx := context.Background()

	entries, err := r.ReadDir(ctx, "/sys/class/drm")
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	want := []host.DirEntry{{Name: "card1-DSI-1", IsDir: true}, {Name: "version"}}
	if len(entries) != len(want) {
		t.Fatalf("ReadDir() = %+v, want %+v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
	}

	fi, err := r.Stat(ctx, "/lib/modules/6.6.31/panel.ko.xz")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if fi.Size != 12288 || fi.IsDir {
		t.Errorf("Stat(file) = %+v", fi)
	}
	fi, err = r.Stat(ctx, "/lib/modules/6.6.31")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if !fi.IsDir {
		t.Errorf("Stat(dir) = %+v, want a directory", fi)
	}
}

func TestRemote_CommandTimeout(t *testing.T) {
	s := startSSHServer(t, testutil.NewFakeHost(), false)
	r := dialTest(t, s, "pi", host.Options{CommandTimeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := r.Run(context.Background(), "sleep 60")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Run() took %v, want it bounded by the command timeout", elapsed)
	}
}

// panelHost is a Pi with a bound panel, served identically by the fake
// itself and over SSH. It has no find, so both runs walk the module tree.
func panelHost() *testutil.FakeHost {
	h := testutil.NewFakeHost()
	h.HostName = "pi@127.0.0.1"
	h.AddTool("base64", "pinctrl")
	h.AddText("/proc/modules",
		"panel_ilitek_ili9881c 16384 0 - Live 0x0000000000000000\n"+
			"vc4 303104 5 - Live 0x0000000000000000\n")
	h.SetCommand("dmesg",
		"[    5.100000] vc4-drm gpu: bound 3f400000.hvs (ops vc4_hvs_ops [vc4])\n"+
			"[    5.200000] panel-ilitek-ili9881c 3f700000.dsi.0: exit_sleep sent\n"+
			"[    5.320000] panel-ilitek-ili9881c 3f700000.dsi.0: init success\n"+
			"[    5.400000] vc4_dsi 3f700000.dsi: transfer interrupt wait timeout\n", nil)

	h.AddText("/sys/class/drm/card1-DSI-1/status", "connected\n")
	h.AddText("/sys/class/drm/card1-HDMI-A-1/status", "disconnected\n")

	const dt = "/proc/device-tree"
	h.AddText(dt+"/model", "Raspberry Pi 4 Model B\x00")
	h.AddFile(dt+"/soc/gpio@7e200000/phandle", testutil.Cells(5))
	panel := dt + "/soc/dsi@7e700000/panel@0"
	h.AddText(panel+"/compatible", "ilitek,ili9881c\x00")
	h.AddText(panel+"/status", "okay\x00")
	h.AddFile(panel+"/reg", testutil.Cells(0))
	h.AddFile(panel+"/reset-gpios", testutil.Cells(5, 27, 1))

	h.SetCommand("pinctrl get 17", "17: op dh | hi // GPIO17 = output\n", nil)
	h.SetCommand("pinctrl get 27", "27: op dl | lo // GPIO27 = output\n", nil)

	h.SetCommand("uname -r", "6.6.31+rpt-rpi-v8\n", nil)
	h.AddFile("/lib/modules/6.6.31+rpt-rpi-v8/kernel/drivers/gpu/drm/panel/panel-ilitek-ili9881c.ko.xz", make([]byte, 12288))
	h.AddText("/lib/modules/6.6.31+rpt-rpi-v8/modules.dep", "")
	return h
}

func TestRemote_BatteryMatchesLocal(t *testing.T) {
	fake := panelHost()
	s := startSSHServer(t, fake, false)
	r := dialTest(t, s, "pi", host.Options{})

	checker, err := diag.NewChecker(config.Default())
	if err != nil {
		t.Fatalf("NewChecker() error = %v", err)
	}
	ctx := context.Background()
	local := checker.Run(ctx, fake)
	remote := checker.Run(ctx, r)

	if len(remote.Results) != len(local.Results) {
		t.Fatalf("remote ran %d checks, local %d", len(remote.Results), len(local.Results))
	}
	for i, want := range local.Results {
		got := remote.Results[i]
		if got.Check != want.Check {
			t.Fatalf("check %d = %s, want %s", i, got.Check, want.Check)
		}
		if strings.Join(got.Lines, "\n") != strings.Join(want.Lines, "\n") {
			t.Errorf("%s lines:\nremote %q\nlocal  %q", want.Check, got.Lines, want.Lines)
		}
		if got.Passed() != want.Passed() || (got.Verdict == nil) != (want.Verdict == nil) {
			t.Errorf("%s verdict differs: remote %v, local %v", want.Check, got.Verdict, want.Verdict)
		}
		if got.Value != want.Value {
			t.Errorf("%s value = %q, want %q", want.Check, got.Value, want.Value)
		}
	}

	if remote.Summary.ConnectorStatus != "connected" || !remote.Summary.DriverLoaded || !remote.Summary.InitObserved {
		t.Errorf("remote summary = %+v", remote.Summary)
	}
	if remote.Summary.ConnectorStatus != local.Summary.ConnectorStatus ||
		remote.Summary.DriverLoaded != local.Summary.DriverLoaded ||
		remote.Summary.InitObserved != local.Summary.InitObserved {
		t.Errorf("summary differs: remote %+v, local %+v", remote.Summary, local.Summary)
	}
	if esc, _ := s.counts(); esc == 0 {
		t.Error("remote battery should run escalated for a non-root login")
	}
}
