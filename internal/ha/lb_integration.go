// internal/ha/lb_integration.go
package ha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/FairForge/drkeeper/internal/k8s"
	"github.com/FairForge/drkeeper/internal/model"
	"go.uber.org/zap"
)

// HTTPRoutingControlPlane switches the primary record of a routing zone
// through a JSON API.
type HTTPRoutingControlPlane struct {
	baseURL string
	token   string
	zone    string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPRoutingControlPlane(baseURL, token, zone string, logger *zap.Logger) *HTTPRoutingControlPlane {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRoutingControlPlane{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		zone:    zone,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

type primaryUpdate struct {
	Region string `json:"region"`
	Host   string `json:"host"`
}

func (r *HTTPRoutingControlPlane) UpdatePrimary(ctx context.Context, region model.RegionEndpoint) error {
	body, err := json.Marshal(primaryUpdate{Region: region.ID, Host: region.Host})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v1/zones/%s/primary", r.baseURL, r.zone)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("update routing: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("update routing: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	r.logger.Info("routing updated", zap.String("zone", r.zone), zap.String("primary", region.ID))
	return nil
}

// ScaleTarget names the workload to grow in one region.
type ScaleTarget struct {
	Cluster    *k8s.Kubectl
	Namespace  string
	Deployment string
}

// KubectlScaler grows the serving deployment of the region taking over.
type KubectlScaler struct {
	targets map[string]ScaleTarget
}

func NewKubectlScaler(targets map[string]ScaleTarget) *KubectlScaler {
	return &KubectlScaler{targets: targets}
}

func (s *KubectlScaler) ScaleUp(ctx context.Context, region model.RegionEndpoint, multiplier float64) error {
	target, ok := s.targets[region.ID]
	if !ok {
		return fmt.Errorf("no scale target configured for region %s", region.ID)
	}
	_, err := target.Cluster.ScaleDeployment(ctx, target.Namespace, target.Deployment, multiplier)
	return err
}
