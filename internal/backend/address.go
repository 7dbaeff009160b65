package backend

import (
	"fmt"
	"net"
	"strconv"
)

// Address identifies one backend instance. Addresses are compared by
// value and are safe to copy.
type Address struct {
	Host string
	Port int
}

// ParseAddress parses a "host:port" string.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid backend address %q: %w", s, err)
	}
	if host == "" {
		return Address{}, fmt.Errorf("invalid backend address %q: empty host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("invalid backend address %q: bad port", s)
	}
	return Address{Host: host, Port: port}, nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// String returns the address in "host:port" form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// URL returns the base URL of the backend for the given scheme.
func (a Address) URL(scheme string) string {
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + a.String()
}

// MarshalText renders the address in "host:port" form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses a "host:port" form.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
