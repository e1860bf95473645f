package smtpconn

import (
	"fmt"
	"net"
	"strings"
)

// Endpoint identifies a remote SMTP server to connect to.
type Endpoint struct {
	Host string
	Port string
}

func (e Endpoint) Network() string {
	return "tcp"
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, e.Port)
}

func (e Endpoint) String() string {
	return e.Address()
}

// ParseEndpoint parses a "host" or "host:port" string, defaulting the port
// to 25.
func ParseEndpoint(raw string) (Endpoint, error) {
	if raw == "" {
		return Endpoint{}, fmt.Errorf("smtpconn: empty endpoint")
	}
	if !strings.Contains(raw, ":") {
		return Endpoint{Host: raw, Port: "25"}, nil
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("smtpconn: malformed endpoint: %w", err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("smtpconn: empty endpoint host")
	}
	return Endpoint{Host: host, Port: port}, nil
}
