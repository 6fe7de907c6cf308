package host

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"
)

// DefaultSSHPort is used when a host spec carries no port.
const DefaultSSHPort = 22

// HostSpec names one remote host: [user@]host[:port].
type HostSpec struct {
	User string
	Host string
	Port int
}

// ParseHostSpec parses "[user@]host[:port]". IPv6 literals must be bracketed
// when a port is given ("[fe80::1]:2222"). A missing user defaults to the
// local login name and a missing port to defaultPort.
func ParseHostSpec(s string, defaultPort int) (HostSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return HostSpec{}, fmt.Errorf("empty host spec")
	}
	if defaultPort <= 0 {
		defaultPort = DefaultSSHPort
	}

	spec := HostSpec{Port: defaultPort}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		spec.User = s[:at]
		s = s[at+1:]
		if spec.User == "" {
			return HostSpec{}, fmt.Errorf("empty user in host spec")
		}
	}

	hostPart := s
	if strings.HasPrefix(s, "[") || strings.Count(s, ":") == 1 {
		h, p, err := net.SplitHostPort(s)
		if err != nil {
			if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
				return HostSpec{}, fmt.Errorf("invalid host spec %q: %w", s, err)
			}
			h = strings.Trim(s, "[]")
		} else {
			port, err := strconv.Atoi(p)
			if err != nil || port <= 0 || port > 65535 {
				return HostSpec{}, fmt.Errorf("invalid port %q in host spec", p)
			}
			spec.Port = port
		}
		hostPart = h
	}
	if hostPart == "" {
		return HostSpec{}, fmt.Errorf("empty host in host spec")
	}
	spec.Host = hostPart

	if spec.User == "" {
		spec.User = localUser()
	}
	return spec, nil
}

// Addr returns host:port suitable for dialing.
func (h HostSpec) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

func (h HostSpec) String() string {
	return h.User + "@" + h.Addr()
}

func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}
