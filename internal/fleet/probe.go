//go:build linux

package fleet

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/firelab-io/firelab/internal/plan"
)

// Probe issues one HTTP GET against each guest's demo service and reports
// reachability. Any HTTP response counts as reachable; the probe checks the
// network path into the guest, not the service's health.
func (s *Supervisor) Probe(ctx context.Context, count int) ([]ProbeResult, error) {
	if count < 1 || count > plan.MaxIndex {
		return nil, fmt.Errorf("instance count must be within 1..%d, got %d: %w",
			plan.MaxIndex, count, errdefs.ErrInvalidArgument)
	}

	client := &http.Client{Timeout: s.cfg.Timeouts.GetProbe()}

	results := make([]ProbeResult, 0, count)
	for index := 1; index <= count; index++ {
		p, err := s.planner.Plan(index)
		if err != nil {
			return nil, err
		}
		url := fmt.Sprintf("http://%s:%d/", p.GuestIP, s.cfg.Network.GuestPort)
		results = append(results, s.probeOne(ctx, client, index, url))
	}
	return results, nil
}

func (s *Supervisor) probeOne(ctx context.Context, client *http.Client, index int, url string) ProbeResult {
	result := ProbeResult{Index: index, URL: url}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Detail = err.Error()
		return result
	}

	resp, err := client.Do(req)
	if err != nil {
		log.G(ctx).WithError(err).WithField("index", index).Debug("guest probe failed")
		result.Detail = err.Error()
		return result
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	result.Reachable = true
	result.Detail = resp.Status
	return result
}
