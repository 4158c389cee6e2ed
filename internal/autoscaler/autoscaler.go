// Package autoscaler implements the gateway fleet autoscaler:
// polls the cloud API's /gateway-status, cross-checks against the
// running Docker containers, and scales the fleet up or down by
// shelling out to the Docker CLI, using Go's explicit-error idiom
// throughout instead of best-effort exception swallowing.
package autoscaler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Scaling tunables.
const (
	PollInterval       = 15 * time.Second
	ScaleUpThreshold   = 1500
	ScaleDownThreshold = 100
	MaxGateways        = 10
	Cooldown           = 30 * time.Second
	FloorGateway       = "gateway-01"
	ComposeNetwork     = "5ggateway_default"
	ComposeImage       = "5ggateway-gateway-01"
)

// execCommand is swapped out by tests to observe Docker invocations.
var execCommand = exec.Command

// Autoscaler drives the fleet scaling loop.
type Autoscaler struct {
	logger   *zap.Logger
	cloudURL string
	apiKey   string
	client   *http.Client

	lastScale time.Time
}

// New creates an Autoscaler targeting the given cloud API.
func New(logger *zap.Logger, cloudURL, apiKey string) *Autoscaler {
	return &Autoscaler{
		logger: logger,
		cloudURL: cloudURL,
		apiKey: apiKey,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type gatewayInfo struct {
	MessageRate int64  `json:"message_rate"`
	RecordsSent uint64 `json:"records_sent"`
}

type statusResponse struct {
	Gateways         map[string]gatewayInfo `json:"gateways"`
	TotalRecordsSent uint64                 `json:"total_records_sent"`
}

// Run polls and scales every PollInterval until stop is closed.
func (a *Autoscaler) Run(stop <-chan struct{}) {
	a.logger.Info("autoscaler started",
		zap.Duration("poll_interval", PollInterval),
		zap.Int("scale_up_threshold", ScaleUpThreshold),
		zap.Int("scale_down_threshold", ScaleDownThreshold),
		zap.Int("max_gateways", MaxGateways))

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	a.tick()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

func (a *Autoscaler) tick() {
	status, err := a.gatewayStatus()
	if err != nil {
		a.logger.Warn("cloud API unreachable", zap.Error(err))
		return
	}

	running, err := a.runningGateways()
	if err != nil {
		a.logger.Warn("docker check failed", zap.Error(err))
	}

	if running != nil && len(status.Gateways) > 0 {
		a.cleanupStale(status.Gateways, running)
	}

	gateways := status.Gateways
	if running != nil {
		filtered := make(map[string]gatewayInfo, len(status.Gateways))
		for id, info := range status.Gateways {
			if _, ok := running[id]; ok || id == FloorGateway {
				filtered[id] = info
			}
		}
		gateways = filtered
	}

	count := len(gateways)
	if count == 0 {
		a.logger.Info("no gateways reporting yet")
		return
	}

	var totalRate int64
	for _, info := range gateways {
		totalRate += info.MessageRate
	}
	avgRate := float64(totalRate) / float64(count)
	cooldown := time.Since(a.lastScale) < Cooldown

	ids := make([]string, 0, len(gateways))
	for id := range gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	a.logger.Info("fleet status",
		zap.Int("count", count), zap.Int64("total_rate", totalRate),
		zap.Float64("avg_rate", avgRate), zap.Uint64("total_sent", status.TotalRecordsSent),
		zap.Bool("cooldown", cooldown))

	if cooldown {
		return
	}

	top := highestGatewayNumber(gateways)

	switch {
	case avgRate > ScaleUpThreshold && count < MaxGateways:
		a.logger.Info("scale up", zap.Float64("avg_rate", avgRate), zap.Int("threshold", ScaleUpThreshold))
		if err := a.startGateway(top + 1); err != nil {
			a.logger.Warn("failed to start gateway", zap.Error(err))
		} else {
			a.lastScale = time.Now()
		}
	case avgRate < ScaleDownThreshold && count > 1 && top > 1:
		a.logger.Info("scale down", zap.Float64("avg_rate", avgRate), zap.Int("threshold", ScaleDownThreshold))
		a.stopGateway(fmt.Sprintf("gateway-%02d", top))
		a.lastScale = time.Now()
	}
}

func (a *Autoscaler) gatewayStatus() (*statusResponse, error) {
	req, err := http.NewRequest(http.MethodGet, a.cloudURL+"/gateway-status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway-status returned %d", resp.StatusCode)
	}

	var parsed statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// runningGateways asks Docker for running containers named
// "gateway-NN", filtering out compose-managed names with extra hyphens.
func (a *Autoscaler) runningGateways() (map[string]struct{}, error) {
	cmd := execCommand("docker", "ps", "--filter", "name=gateway-", "--format", "{{.Names}}")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}

	running := make(map[string]struct{})
	for _, name := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.HasPrefix(name, "gateway-") && strings.Count(name, "-") == 1 {
			running[name] = struct{}{}
		}
	}
	return running, nil
}

func (a *Autoscaler) cleanupStale(cloudGateways map[string]gatewayInfo, running map[string]struct{}) {
	for gatewayID := range cloudGateways {
		if gatewayID == FloorGateway {
			continue
		}
		if _, ok := running[gatewayID]; !ok {
			a.logger.Info("stale gateway, deregistering", zap.String("gateway_id", gatewayID))
			a.deregister(gatewayID)
		}
	}
}

func (a *Autoscaler) startGateway(num int) error {
	gatewayID := fmt.Sprintf("gateway-%02d", num)
	a.logger.Info("starting gateway container", zap.String("gateway_id", gatewayID))

	cmd := execCommand("docker", "run", "-d",
		"--name", gatewayID,
		"--network", ComposeNetwork,
		"-e", "GATEWAY_ID="+gatewayID,
		ComposeImage,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker run %s: %w: %s", gatewayID, err, strings.TrimSpace(stderr.String()))
	}
	a.logger.Info("gateway started", zap.String("gateway_id", gatewayID))
	return nil
}

func (a *Autoscaler) stopGateway(gatewayID string) {
	a.logger.Info("stopping gateway container", zap.String("gateway_id", gatewayID))

	stop := execCommand("docker", "stop", gatewayID)
	var stderr bytes.Buffer
	stop.Stderr = &stderr
	if err := stop.Run(); err != nil {
		if !strings.Contains(stderr.String(), "No such container") {
			a.logger.Warn("stop failed", zap.String("gateway_id", gatewayID), zap.String("stderr", stderr.String()))
		}
	} else {
		_ = execCommand("docker", "rm", gatewayID).Run()
		a.logger.Info("gateway removed", zap.String("gateway_id", gatewayID))
	}

	a.deregister(gatewayID)
}

func (a *Autoscaler) deregister(gatewayID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.cloudURL+"/gateway/"+gatewayID, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("deregister error", zap.String("gateway_id", gatewayID), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		a.logger.Info("gateway deregistered", zap.String("gateway_id", gatewayID))
	} else if resp.StatusCode != http.StatusNotFound {
		a.logger.Warn("deregister failed", zap.String("gateway_id", gatewayID), zap.Int("status", resp.StatusCode))
	}
}

func highestGatewayNumber(gateways map[string]gatewayInfo) int {
	highest := 1
	for gatewayID := range gateways {
		parts := strings.Split(gatewayID, "-")
		if len(parts) != 2 {
			continue
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest
}
