// internal/k8s/kubectl.go
package k8s

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Runner executes kubectl with the given stdin and arguments.
type Runner func(ctx context.Context, stdin []byte, args ...string) ([]byte, error)

// ExecRunner runs the named kubectl binary.
func ExecRunner(binary string) Runner {
	return func(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, binary, args...)
		if stdin != nil {
			cmd.Stdin = bytes.NewReader(stdin)
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w: %s", binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return out, nil
	}
}

// Kubectl talks to one cluster context through the kubectl CLI.
type Kubectl struct {
	run           Runner
	kubeContext   string
	snapshotClass string
	logger        *zap.Logger
}

// NewKubectl creates a client bound to kubeContext ("" uses the current
// context).
func NewKubectl(run Runner, kubeContext, snapshotClass string, logger *zap.Logger) *Kubectl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kubectl{run: run, kubeContext: kubeContext, snapshotClass: snapshotClass, logger: logger}
}

func (k *Kubectl) args(args ...string) []string {
	if k.kubeContext == "" {
		return args
	}
	return append([]string{"--context", k.kubeContext}, args...)
}

type resourceList struct {
	Items []Resource `json:"items"`
}

func (k *Kubectl) ListResources(ctx context.Context, namespace, kind string) ([]Resource, error) {
	out, err := k.run(ctx, nil, k.args("get", kind, "-n", namespace, "-o", "json")...)
	if err != nil {
		if strings.Contains(err.Error(), "doesn't have a resource type") {
			return nil, fmt.Errorf("%s: %w", kind, ErrUnsupportedKind)
		}
		return nil, err
	}

	var list resourceList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", kind, err)
	}
	return list.Items, nil
}

func (k *Kubectl) CreateVolumeSnapshot(ctx context.Context, namespace, pvc string) (string, error) {
	name := fmt.Sprintf("%s-%s", pvc, time.Now().UTC().Format("20060102-150405"))
	manifest, err := NewVolumeSnapshot(name, namespace, pvc, k.snapshotClass).ToYAML()
	if err != nil {
		return "", err
	}
	if _, err := k.run(ctx, manifest, k.args("apply", "-f", "-")...); err != nil {
		return "", fmt.Errorf("create volume snapshot: %w", err)
	}
	k.logger.Info("volume snapshot requested",
		zap.String("namespace", namespace),
		zap.String("pvc", pvc),
		zap.String("snapshot", name))
	return name, nil
}

// ScaleDeployment multiplies a deployment's replica count, rounding up, and
// returns the new count.
func (k *Kubectl) ScaleDeployment(ctx context.Context, namespace, deployment string, multiplier float64) (int, error) {
	out, err := k.run(ctx, nil, k.args("get", "deployment", deployment, "-n", namespace, "-o", "jsonpath={.spec.replicas}")...)
	if err != nil {
		return 0, fmt.Errorf("read replicas: %w", err)
	}
	current, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("parse replicas %q: %w", out, err)
	}

	target := int(math.Ceil(float64(current) * multiplier))
	if target < 1 {
		target = 1
	}
	if _, err := k.run(ctx, nil, k.args("scale", "deployment", deployment, "-n", namespace,
		"--replicas="+strconv.Itoa(target))...); err != nil {
		return 0, fmt.Errorf("scale deployment: %w", err)
	}
	k.logger.Info("deployment scaled",
		zap.String("context", k.kubeContext),
		zap.String("deployment", deployment),
		zap.Int("from", current),
		zap.Int("to", target))
	return target, nil
}
