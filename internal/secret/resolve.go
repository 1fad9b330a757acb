// Package secret resolves the tagged-union SecretRef configuration shape
// into plaintext credential values. Resolution happens exactly once per
// snapshot build — never on the request hot path (see snapshot.Build).
package secret

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/traceloop/gateway-core/internal/config"
)

// Resolve returns the plaintext value a SecretRef points to. Exactly one
// variant of ref must be set; an all-empty ref resolves to "" (the caller
// decides whether an empty credential is acceptable for that field).
func Resolve(ref config.SecretRef) (string, error) {
	set := 0
	if ref.Literal != "" {
		set++
	}
	if ref.Environment != "" {
		set++
	}
	if ref.File != nil {
		set++
	}
	if ref.Kubernetes != nil {
		set++
	}
	if set > 1 {
		return "", fmt.Errorf("secret: more than one source set on the same reference")
	}

	switch {
	case ref.Literal != "":
		return ref.Literal, nil

	case ref.Environment != "":
		v, ok := os.LookupEnv(ref.Environment)
		if !ok {
			return "", fmt.Errorf("secret: environment variable %q not set", ref.Environment)
		}
		return v, nil

	case ref.File != nil:
		return readSecretFile(ref.File.Path)

	case ref.Kubernetes != nil:
		return readK8sSecret(*ref.Kubernetes)

	default:
		return "", nil
	}
}

func readSecretFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("secret: file reference has empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("secret: read file %s: %w", path, err)
	}
	return strings.TrimRight(string(b), "\n"), nil
}

// readK8sSecret reads a key from a projected Kubernetes Secret volume mount
// (the standard /var/run/secrets/<name>/<key> layout Kubernetes produces for
// both "envFrom"-style and volume-mounted secrets). There is no live
// Kubernetes API call here — the kubelet has already materialized the
// secret onto disk by the time this process starts, so no client-go
// dependency is needed for this variant.
func readK8sSecret(ref config.K8sSecretRef) (string, error) {
	if ref.MountPath == "" || ref.Key == "" {
		return "", fmt.Errorf("secret: kubernetes reference requires mount_path and key")
	}
	return readSecretFile(filepath.Join(ref.MountPath, ref.Key))
}
