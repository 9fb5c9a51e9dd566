package telemetry

import (
	"os"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// hostAttributes describes where the process runs, for the trace resource
func hostAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("os.type", runtime.GOOS),
		attribute.String("host.arch", runtime.GOARCH),
		attribute.Int("host.cpu.logical", runtime.NumCPU()),
	}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, attribute.String("host.name", hostname))
	}
	if rt := detectContainer(); rt != "" {
		attrs = append(attrs, attribute.String("container.runtime", rt))
	}
	return attrs
}

// detectContainer returns the container runtime, or "" on bare hosts
func detectContainer() string {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "docker"
	}
	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return "kubernetes"
	}

	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return ""
	}
	content := string(data)
	switch {
	case strings.Contains(content, "kubepods"):
		return "kubernetes"
	case strings.Contains(content, "docker"):
		return "docker"
	case strings.Contains(content, "containerd"):
		return "containerd"
	}
	return ""
}
