package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/spendguard/pkg/models"
	"github.com/pario-ai/spendguard/pkg/router"
)

// BilledCostHeader carries the provider's charge for a call, including
// failed calls that were billed anyway.
const BilledCostHeader = "X-Billed-Cost-USD"

// Outcome is the result of one successful paid call. CostEstimated is set
// when the provider reported no cost and CostUSD falls back to the estimate.
type Outcome struct {
	Result        string
	CostUSD       float64
	CostEstimated bool
}

// Executor performs the paid external call for a job. A failure should be
// an *models.ExternalCallFailure so billed partial spend is not lost.
type Executor interface {
	Run(ctx context.Context, job models.Job) (Outcome, error)
}

// MockExecutor simulates the paid call. The actual cost is the estimate
// scaled by a uniform factor in [0.8, 1.2).
type MockExecutor struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewMockExecutor creates a MockExecutor with a deterministic seed.
func NewMockExecutor(seed uint64) *MockExecutor {
	return &MockExecutor{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (m *MockExecutor) Run(_ context.Context, job models.Job) (Outcome, error) {
	m.mu.Lock()
	factor := 0.8 + 0.4*m.rng.Float64()
	m.mu.Unlock()
	return Outcome{
		Result:  fmt.Sprintf("[mock] %s completed for job %s", job.Kind, job.ID),
		CostUSD: round6(job.EstimatedCostUSD * factor),
	}, nil
}

// HTTPExecutor POSTs jobs to the provider chain the router resolves for
// their kind, moving to the next provider on transport errors and 5xx.
type HTTPExecutor struct {
	router *router.Router
	client *http.Client
	log    zerolog.Logger
}

// NewHTTPExecutor creates an HTTPExecutor. timeout bounds each attempt.
func NewHTTPExecutor(r *router.Router, timeout time.Duration, log zerolog.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		router: r,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

type upstreamJob struct {
	JobID  string           `json:"job_id"`
	Kind   models.JobKind   `json:"kind"`
	Params models.JobParams `json:"params"`
}

type upstreamReply struct {
	Result  string   `json:"result"`
	CostUSD *float64 `json:"cost_usd,omitempty"`
}

// upstreamResult holds the response from a single upstream attempt.
type upstreamResult struct {
	statusCode int
	body       []byte
	header     http.Header
}

func (e *HTTPExecutor) Run(ctx context.Context, job models.Job) (Outcome, error) {
	op := "execute " + string(job.Kind)
	routes, err := e.router.Resolve(job.Kind)
	if err != nil {
		return Outcome{}, &models.ExternalCallFailure{Op: op, Err: err}
	}
	body, err := json.Marshal(upstreamJob{JobID: job.ID, Kind: job.Kind, Params: job.Params})
	if err != nil {
		return Outcome{}, &models.ExternalCallFailure{Op: op, Err: err}
	}

	var billed float64
	var lastErr error
	for _, route := range routes {
		res, err := e.do(ctx, route, body)
		if err != nil {
			e.log.Warn().Err(err).Str("provider", route.Provider.Name).Str("job_id", job.ID).Msg("upstream failed, trying next")
			lastErr = err
			continue
		}
		cost, hasCost := billedCost(res.header)
		if res.statusCode >= 500 {
			e.log.Warn().Int("status", res.statusCode).Str("provider", route.Provider.Name).Str("job_id", job.ID).Msg("upstream error, trying next")
			billed += cost
			lastErr = fmt.Errorf("%s returned %d", route.Provider.Name, res.statusCode)
			continue
		}
		if res.statusCode >= 300 {
			billed += cost
			return Outcome{}, &models.ExternalCallFailure{
				Op:            op,
				Billed:        billed > 0,
				BilledCostUSD: round6(billed),
				Err:           fmt.Errorf("%s returned %d: %s", route.Provider.Name, res.statusCode, truncate(res.body, 256)),
			}
		}

		var reply upstreamReply
		if err := json.Unmarshal(res.body, &reply); err != nil {
			return Outcome{}, &models.ExternalCallFailure{
				Op:            op,
				Billed:        hasCost || billed > 0,
				BilledCostUSD: round6(billed + cost),
				Err:           fmt.Errorf("decode %s reply: %w", route.Provider.Name, err),
			}
		}
		estimated := false
		switch {
		case hasCost:
		case reply.CostUSD != nil:
			cost = *reply.CostUSD
		default:
			cost = job.EstimatedCostUSD
			estimated = true
			e.log.Warn().Str("job_id", job.ID).Str("provider", route.Provider.Name).Msg("upstream reported no cost, using estimate")
		}
		return Outcome{Result: reply.Result, CostUSD: round6(cost + billed), CostEstimated: estimated}, nil
	}

	if lastErr == nil {
		lastErr = errors.New("all upstream providers failed")
	}
	return Outcome{}, &models.ExternalCallFailure{
		Op:            op,
		Billed:        billed > 0,
		BilledCostUSD: round6(billed),
		Err:           lastErr,
	}
}

func (e *HTTPExecutor) do(ctx context.Context, route router.Route, body []byte) (*upstreamResult, error) {
	target, err := url.Parse(route.Provider.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}
	if route.Provider.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, route.Provider.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String()+route.Path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if route.Provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+route.Provider.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &upstreamResult{statusCode: resp.StatusCode, body: respBody, header: resp.Header}, nil
}

func billedCost(h http.Header) (float64, bool) {
	v := h.Get(BilledCostHeader)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return f, true
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
