// internal/k8s/cluster.go
package k8s

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnsupportedKind is returned when the cluster does not serve a kind.
var ErrUnsupportedKind = errors.New("k8s: unsupported resource kind")

// Resource kinds exported by namespace backups
const (
	KindDeployments = "deployments"
	KindServices    = "services"
	KindSecrets     = "secrets"
	KindConfigMaps  = "configmaps"
)

// DefaultBackupKinds are the kinds captured for every namespace.
var DefaultBackupKinds = []string{KindDeployments, KindServices, KindSecrets, KindConfigMaps}

// Resource is one exported object as returned by the API server.
type Resource map[string]interface{}

// Name returns metadata.name, or "" when absent.
func (r Resource) Name() string {
	meta, _ := r["metadata"].(map[string]interface{})
	name, _ := meta["name"].(string)
	return name
}

// ClusterAPI is the slice of the orchestration control plane the backup
// agent needs.
type ClusterAPI interface {
	ListResources(ctx context.Context, namespace, kind string) ([]Resource, error)
	CreateVolumeSnapshot(ctx context.Context, namespace, pvc string) (string, error)
}

// serverManaged are metadata fields that must not be restored verbatim.
var serverManaged = []string{"uid", "resourceVersion", "creationTimestamp", "managedFields", "generation", "selfLink"}

// Sanitize strips status and server-managed metadata so the resource can be
// re-applied to another cluster.
func Sanitize(r Resource) Resource {
	out := make(Resource, len(r))
	for k, v := range r {
		if k == "status" {
			continue
		}
		out[k] = v
	}
	if meta, ok := r["metadata"].(map[string]interface{}); ok {
		clean := make(map[string]interface{}, len(meta))
		for k, v := range meta {
			clean[k] = v
		}
		for _, f := range serverManaged {
			delete(clean, f)
		}
		out["metadata"] = clean
	}
	return out
}

// ExportSet collects resources into a multi-document manifest.
type ExportSet struct {
	Resources []Resource
}

// Add adds a resource to the set
func (s *ExportSet) Add(r Resource) {
	s.Resources = append(s.Resources, r)
}

// ToYAML renders every resource as its own YAML document.
func (s *ExportSet) ToYAML() ([]byte, error) {
	parts := make([]string, 0, len(s.Resources))
	for _, r := range s.Resources {
		var buf bytes.Buffer
		encoder := yaml.NewEncoder(&buf)
		encoder.SetIndent(2)
		if err := encoder.Encode(map[string]interface{}(r)); err != nil {
			return nil, fmt.Errorf("failed to encode resource %s: %w", r.Name(), err)
		}
		_ = encoder.Close()
		parts = append(parts, buf.String())
	}
	return []byte(strings.Join(parts, "---\n")), nil
}

// VolumeSnapshotManifest describes a CSI VolumeSnapshot request.
type VolumeSnapshotManifest struct {
	APIVersion string             `yaml:"apiVersion"`
	Kind       string             `yaml:"kind"`
	Metadata   SnapshotMetadata   `yaml:"metadata"`
	Spec       VolumeSnapshotSpec `yaml:"spec"`
}

type SnapshotMetadata struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

type VolumeSnapshotSpec struct {
	VolumeSnapshotClassName string         `yaml:"volumeSnapshotClassName,omitempty"`
	Source                  SnapshotSource `yaml:"source"`
}

type SnapshotSource struct {
	PersistentVolumeClaimName string `yaml:"persistentVolumeClaimName"`
}

// NewVolumeSnapshot builds the manifest for snapshotting pvc.
func NewVolumeSnapshot(name, namespace, pvc, class string) *VolumeSnapshotManifest {
	return &VolumeSnapshotManifest{
		APIVersion: "snapshot.storage.k8s.io/v1",
		Kind:       "VolumeSnapshot",
		Metadata: SnapshotMetadata{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "drkeeper"},
		},
		Spec: VolumeSnapshotSpec{
			VolumeSnapshotClassName: class,
			Source:                  SnapshotSource{PersistentVolumeClaimName: pvc},
		},
	}
}

// ToYAML converts the manifest to YAML
func (m *VolumeSnapshotManifest) ToYAML() ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	_ = encoder.Close()
	return buf.Bytes(), nil
}
