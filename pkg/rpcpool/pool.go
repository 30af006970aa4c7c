// Package rpcpool provides a pool of custody node JSON-RPC endpoints with
// health checking and failover.
//
// Each endpoint is checked with getHealth and getSlot. An endpoint is healthy
// when it reports "ok" and its slot is within a threshold of the highest
// slot seen across the pool. Calls go to healthy endpoints round-robin and
// fail over to the next endpoint on transport errors.
//
// Usage:
//
//	pool := rpcpool.NewPool(50)
//	pool.AddEndpoints([]string{"http://node-a:8899", "http://node-b:8899"})
//	pool.Start(ctx)
//	defer pool.Stop()
//
//	var sig string
//	err := pool.Call(ctx, "sendTransaction", []interface{}{encoded, cfg}, &sig)
package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Pool errors.
var (
	ErrNoHealthyEndpoints = errors.New("no healthy endpoints available")
	ErrPoolClosed         = errors.New("pool is closed")
)

// Default configuration values.
const (
	DefaultSlotThreshold     = uint64(50)
	DefaultHealthCheckPeriod = 30 * time.Second
	DefaultRequestTimeout    = 10 * time.Second

	// maxFailures is the number of consecutive failed health checks before an
	// endpoint is marked unhealthy.
	maxFailures = 3

	maxResponseSize = 1024 * 1024
)

// CallError is a JSON-RPC error returned by a node. It is an answer, not a
// transport failure, so calls do not fail over on it.
type CallError struct {
	URL     string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: RPC error %d: %s", e.URL, e.Code, e.Message)
}

// endpointState represents the health state of an endpoint.
type endpointState struct {
	url       string
	healthy   atomic.Bool
	lastSlot  atomic.Uint64
	lastCheck atomic.Int64 // Unix nano timestamp
	failCount atomic.Int32
}

// Pool manages a set of custody node endpoints.
type Pool struct {
	threshold uint64

	endpoints []*endpointState
	mu        sync.RWMutex

	nextIndex atomic.Uint64
	requestID atomic.Uint64

	// highestSlot is the highest slot any endpoint reported in the last
	// health check.
	highestSlot atomic.Uint64

	healthCheckPeriod time.Duration
	requestTimeout    time.Duration

	client *http.Client

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	onHealthChange func(url string, healthy bool, slot uint64)
}

// NewPool creates a new endpoint pool. threshold is the number of slots an
// endpoint may trail the pool's highest slot before it is marked unhealthy;
// zero selects DefaultSlotThreshold.
//
// The pool is not started until Start() is called.
func NewPool(threshold uint64) *Pool {
	if threshold == 0 {
		threshold = DefaultSlotThreshold
	}

	return &Pool{
		threshold:         threshold,
		endpoints:         make([]*endpointState, 0),
		healthCheckPeriod: DefaultHealthCheckPeriod,
		requestTimeout:    DefaultRequestTimeout,
		ctx:               context.Background(),
		client: &http.Client{
			Timeout: DefaultRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SetHealthCheckPeriod sets the interval between health checks.
// Must be called before Start().
func (p *Pool) SetHealthCheckPeriod(period time.Duration) {
	p.healthCheckPeriod = period
}

// SetRequestTimeout sets the timeout for RPC requests.
// Must be called before Start().
func (p *Pool) SetRequestTimeout(timeout time.Duration) {
	p.requestTimeout = timeout
	p.client.Timeout = timeout
}

// SetOnHealthChange sets a callback that is invoked when an endpoint's
// health status changes.
func (p *Pool) SetOnHealthChange(callback func(url string, healthy bool, slot uint64)) {
	p.onHealthChange = callback
}

// AddEndpoint adds a single endpoint to the pool. It is assumed healthy
// until a health check says otherwise.
func (p *Pool) AddEndpoint(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.url == url {
			return
		}
	}

	ep := &endpointState{url: url}
	ep.healthy.Store(true)
	p.endpoints = append(p.endpoints, ep)
}

// AddEndpoints adds multiple endpoints to the pool.
func (p *Pool) AddEndpoints(urls []string) {
	for _, url := range urls {
		p.AddEndpoint(url)
	}
}

// RemoveEndpoint removes an endpoint from the pool.
func (p *Pool) RemoveEndpoint(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, ep := range p.endpoints {
		if ep.url == url {
			p.endpoints = append(p.endpoints[:i], p.endpoints[i+1:]...)
			return
		}
	}
}

func (p *Pool) healthyEndpoints() []*endpointState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var healthy []*endpointState
	for _, ep := range p.endpoints {
		if ep.healthy.Load() {
			healthy = append(healthy, ep)
		}
	}
	return healthy
}

// GetHealthy returns a healthy endpoint URL using round-robin selection.
func (p *Pool) GetHealthy() (string, error) {
	if p.closed.Load() {
		return "", ErrPoolClosed
	}
	healthy := p.healthyEndpoints()
	if len(healthy) == 0 {
		return "", ErrNoHealthyEndpoints
	}
	idx := p.nextIndex.Add(1) % uint64(len(healthy))
	return healthy[idx].url, nil
}

// HighestSlot returns the highest slot seen in the last health check.
func (p *Pool) HighestSlot() uint64 {
	return p.highestSlot.Load()
}

// HealthyCount returns the number of currently healthy endpoints.
func (p *Pool) HealthyCount() int {
	return len(p.healthyEndpoints())
}

// TotalCount returns the total number of endpoints in the pool.
func (p *Pool) TotalCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}

// Call invokes method on a healthy endpoint and decodes the result into
// result, which may be nil. Transport failures move on to the next healthy
// endpoint; a JSON-RPC error is returned as a *CallError without failover.
func (p *Pool) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	healthy := p.healthyEndpoints()
	if len(healthy) == 0 {
		return ErrNoHealthyEndpoints
	}

	start := p.nextIndex.Add(1)
	var lastErr error
	for i := range healthy {
		ep := healthy[(start+uint64(i))%uint64(len(healthy))]
		raw, err := p.call(ctx, ep.url, method, params)
		if err != nil {
			var callErr *CallError
			if errors.As(err, &callErr) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(raw, result); err != nil {
			return errors.Wrapf(err, "%s: decode %s result", ep.url, method)
		}
		return nil
	}
	return errors.Wrap(lastErr, "all endpoints failed")
}

// Start runs an initial health check, then keeps checking in the
// background until ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	if p.started.Swap(true) {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.performHealthCheck()

	p.wg.Add(1)
	go p.healthCheckLoop()
}

// Stop stops the health check loop and releases resources.
func (p *Pool) Stop() {
	if p.closed.Swap(true) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.healthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.performHealthCheck()
		}
	}
}

type healthReport struct {
	ep   *endpointState
	slot uint64
	err  error
}

// performHealthCheck checks every endpoint concurrently, then grades each
// against the highest slot observed.
func (p *Pool) performHealthCheck() {
	p.mu.RLock()
	endpoints := make([]*endpointState, len(p.endpoints))
	copy(endpoints, p.endpoints)
	p.mu.RUnlock()

	reports := make([]healthReport, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep *endpointState) {
			defer wg.Done()
			slot, err := p.checkEndpoint(ep.url)
			reports[i] = healthReport{ep: ep, slot: slot, err: err}
		}(i, ep)
	}
	wg.Wait()

	var highest uint64
	for _, pr := range reports {
		if pr.err == nil && pr.slot > highest {
			highest = pr.slot
		}
	}
	if highest > 0 {
		p.highestSlot.Store(highest)
	}

	for _, pr := range reports {
		p.grade(pr, highest)
	}
}

// grade updates one endpoint's health from its report.
func (p *Pool) grade(pr healthReport, highest uint64) {
	ep := pr.ep
	ep.lastCheck.Store(time.Now().UnixNano())

	if pr.err != nil {
		if ep.failCount.Add(1) >= maxFailures {
			if ep.healthy.Swap(false) && p.onHealthChange != nil {
				p.onHealthChange(ep.url, false, ep.lastSlot.Load())
			}
		}
		return
	}

	ep.failCount.Store(0)
	ep.lastSlot.Store(pr.slot)

	var behind uint64
	if highest > pr.slot {
		behind = highest - pr.slot
	}
	healthy := behind <= p.threshold
	if wasHealthy := ep.healthy.Swap(healthy); wasHealthy != healthy && p.onHealthChange != nil {
		p.onHealthChange(ep.url, healthy, pr.slot)
	}
}

// checkEndpoint asks an endpoint for its health and slot.
func (p *Pool) checkEndpoint(url string) (uint64, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.requestTimeout)
	defer cancel()

	raw, err := p.call(ctx, url, "getHealth", nil)
	if err != nil {
		return 0, err
	}
	var health string
	if err := json.Unmarshal(raw, &health); err != nil || health != "ok" {
		return 0, errors.Errorf("%s: unhealthy: %s", url, raw)
	}

	raw, err = p.call(ctx, url, "getSlot", nil)
	if err != nil {
		return 0, err
	}
	var slot uint64
	if err := json.Unmarshal(raw, &slot); err != nil {
		return 0, errors.Errorf("%s: unexpected slot %s", url, raw)
	}
	return slot, nil
}

// call performs one JSON-RPC request against url.
func (p *Pool) call(ctx context.Context, url, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      p.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "unmarshal response")
	}
	if rpcResp.Error != nil {
		return nil, &CallError{
			URL:     url,
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
			Data:    rpcResp.Error.Data,
		}
	}
	return rpcResp.Result, nil
}

// EndpointStatus returns the status of all endpoints in the pool.
func (p *Pool) EndpointStatus() []EndpointInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	infos := make([]EndpointInfo, len(p.endpoints))
	for i, ep := range p.endpoints {
		infos[i] = EndpointInfo{
			URL:       ep.url,
			Healthy:   ep.healthy.Load(),
			Slot:      ep.lastSlot.Load(),
			LastCheck: time.Unix(0, ep.lastCheck.Load()),
			FailCount: int(ep.failCount.Load()),
		}
	}
	return infos
}

// EndpointInfo contains status information about an endpoint.
type EndpointInfo struct {
	URL       string
	Healthy   bool
	Slot      uint64
	LastCheck time.Time
	FailCount int
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
