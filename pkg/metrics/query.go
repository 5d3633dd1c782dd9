package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Count is one labelled total.
type Count struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// TuneSummary aggregates tune metrics over a window.
type TuneSummary struct {
	Window      string  `json:"window"`
	Verdicts    []Count `json:"verdicts"`
	Outcomes    []Count `json:"outcomes"`
	LLMRequests []Count `json:"llm_requests"`
}

// QueryService provides methods to query fd2 metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
	now      func() time.Time
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
		now:      time.Now,
	}, nil
}

// TuneSummary returns attempt verdicts, run outcomes and generation request
// statuses accumulated over window.
func (q *QueryService) TuneSummary(ctx context.Context, window time.Duration) (*TuneSummary, error) {
	w := model.Duration(window).String()
	summary := &TuneSummary{Window: w}

	var err error
	summary.Verdicts, err = q.sumBy(ctx, "verdict", fmt.Sprintf(`sum by (verdict) (increase(fd_tune_attempts_total[%s]))`, w))
	if err != nil {
		return nil, fmt.Errorf("failed to query attempt verdicts: %w", err)
	}
	summary.Outcomes, err = q.sumBy(ctx, "state", fmt.Sprintf(`sum by (state) (increase(fd_tune_outcomes_total[%s]))`, w))
	if err != nil {
		return nil, fmt.Errorf("failed to query run outcomes: %w", err)
	}
	summary.LLMRequests, err = q.sumBy(ctx, "status", fmt.Sprintf(`sum by (status) (increase(fd_llm_requests_total[%s]))`, w))
	if err != nil {
		return nil, fmt.Errorf("failed to query generation requests: %w", err)
	}
	return summary, nil
}

func (q *QueryService) sumBy(ctx context.Context, label, query string) ([]Count, error) {
	result, _, err := q.queryAPI.Query(ctx, query, q.now())
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by caller
	}

	var out []Count
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			out = append(out, Count{
				Label: string(sample.Metric[model.LabelName(label)]),
				Value: float64(sample.Value),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}
