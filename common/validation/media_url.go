package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// MediaURLValidator checks media references that leave the process, such
// as reference images forwarded to an image provider. Only http, https and
// inline data URIs are accepted, and network URLs must not point at
// loopback, private or link-local hosts.
type MediaURLValidator struct {
	allowedSchemes   map[string]bool
	blockedHostnames map[string]bool
	blockedPaths     []string

	// Resolves hostnames; replaced in tests
	lookupIP func(host string) ([]net.IP, error)
}

// NewMediaURLValidator creates a validator with the default rules
func NewMediaURLValidator() *MediaURLValidator {
	return &MediaURLValidator{
		allowedSchemes: map[string]bool{
			"http":  true,
			"https": true,
			"data":  true,
		},
		blockedHostnames: map[string]bool{
			"localhost":                true,
			"127.0.0.1":                true,
			"::1":                      true,
			"0.0.0.0":                  true,
			"::":                       true,
			"::ffff:127.0.0.1":         true,
			"metadata.google.internal": true,
		},
		blockedPaths: []string{
			"/etc/", "/proc/", "/sys/", "/var/run/", "c:\\", "c:/", "../", "..\\",
		},
		lookupIP: net.LookupIP,
	}
}

// Validate returns an error describing why raw may not be forwarded
func (v *MediaURLValidator) Validate(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("media url is empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid media url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if !v.allowedSchemes[scheme] {
		return fmt.Errorf("scheme %q is not allowed for media urls", u.Scheme)
	}
	if scheme == "data" {
		if !strings.Contains(u.Opaque, ",") {
			return fmt.Errorf("malformed data uri")
		}
		return nil
	}

	if err := v.validateHost(u.Hostname()); err != nil {
		return err
	}
	return v.validatePath(u.Path)
}

func (v *MediaURLValidator) validateHost(host string) error {
	if host == "" {
		return fmt.Errorf("media url has no host")
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if v.blockedHostnames[host] {
		return fmt.Errorf("host %q is blocked", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return validateIP(ip)
	}

	ips, err := v.lookupIP(host)
	if err != nil {
		// unresolvable hosts fail at the provider, not here
		return nil
	}
	for _, ip := range ips {
		if err := validateIP(ip); err != nil {
			return fmt.Errorf("host %q resolves to a blocked address: %w", host, err)
		}
	}
	return nil
}

func validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("ip %s is a loopback address", ip)
	case ip.IsPrivate():
		return fmt.Errorf("ip %s is a private address", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("ip %s is a link-local address", ip)
	case ip.IsMulticast():
		return fmt.Errorf("ip %s is a multicast address", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("ip %s is unspecified", ip)
	}
	return nil
}

func (v *MediaURLValidator) validatePath(path string) error {
	lower := strings.ToLower(path)
	for _, p := range v.blockedPaths {
		if strings.Contains(lower, p) {
			return fmt.Errorf("path %q contains blocked pattern %q", path, p)
		}
	}
	return nil
}
