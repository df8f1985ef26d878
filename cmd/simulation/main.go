package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ksred/ledger-api/internal/auth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	numStrategies  = 5
	minTrades      = 10
	maxTrades      = 60
	numWorkers     = 5
	serverAddress  = "http://localhost:8080"
	initialBudget  = 10000.0
	cancelFraction = 0.15 // fraction of trades cancelled instead of closed
)

var symbols = []string{"BTC/USDT", "ETH/USDT", "SOL/USDT", "BNB/USDT", "XRP/USDT"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
	mu         sync.Mutex
}

func (rs *routeStats) add(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes min, max, mean, median, p95 and p99 durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the ledger API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":       {name: "Authentication"},
			"initialize": {name: "Initialize Budget"},
			"create":     {name: "Create Trade"},
			"close":      {name: "Close Trade"},
			"cancel":     {name: "Cancel Trade"},
			"budget":     {name: "Get Budget"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

func (sc *simulationClient) authenticate() (string, error) {
	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	var result struct {
		Token string `json:"jwt_token"`
	}
	if err := sc.post("auth", "/api/v1/auth/token", credentials, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

// post sends a JSON request and decodes the standard response envelope
// into out when it is non-nil.
func (sc *simulationClient) post(stat, path string, payload, out interface{}) error {
	start := time.Now()
	failed := false
	defer func() {
		sc.stats[stat].add(time.Since(start), failed)
	}()

	var body []byte
	var err error
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequest(http.MethodPost, sc.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		failed = true
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		failed = true
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	return json.Unmarshal(envelope.Data, out)
}

type tradeResult struct {
	TradeID string `json:"trade_id"`
}

type budgetResult struct {
	Total     float64 `json:"total"`
	Allocated float64 `json:"allocated"`
	Available float64 `json:"available"`
	Profit    float64 `json:"profit"`
}

// runStrategy drives a full trade lifecycle load against one strategy
func (sc *simulationClient) runStrategy(strategyID string) {
	logger := log.With().Str("strategy_id", strategyID).Logger()

	if err := sc.post("initialize", fmt.Sprintf("/api/v1/budgets/%s/initialize", strategyID),
		map[string]float64{"amount": initialBudget}, nil); err != nil {
		logger.Error().Err(err).Msg("failed to initialize budget")
		return
	}

	numTrades := minTrades + rand.Intn(maxTrades-minTrades)
	logger.Info().Int("trades", numTrades).Msg("starting strategy load")

	for i := 0; i < numTrades; i++ {
		entryPrice := 50 + rand.Float64()*150
		quantity := 1 + rand.Float64()*4

		var trade tradeResult
		err := sc.post("create", "/api/v1/trades", map[string]interface{}{
			"strategy_id": strategyID,
			"symbol":      symbols[rand.Intn(len(symbols))],
			"side":        []string{"buy", "sell"}[rand.Intn(2)],
			"quantity":    quantity,
			"entry_price": entryPrice,
		}, &trade)
		if err != nil {
			// Insufficient budget is an expected outcome under load
			logger.Debug().Err(err).Msg("trade creation rejected")
			continue
		}

		// Random walk the price, then terminate the trade
		time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)

		if rand.Float64() < cancelFraction {
			path := fmt.Sprintf("/api/v1/internal/trades/%s/cancel", trade.TradeID)
			if err := sc.post("cancel", path, nil, nil); err != nil {
				logger.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("cancel failed")
			}
			continue
		}

		exitPrice := entryPrice * (0.95 + rand.Float64()*0.1)
		path := fmt.Sprintf("/api/v1/internal/trades/%s/close", trade.TradeID)
		if err := sc.post("close", path, map[string]float64{"exit_price": exitPrice}, nil); err != nil {
			logger.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("close failed")
		}
	}
}

// getBudget fetches the final budget for a strategy
func (sc *simulationClient) getBudget(strategyID string) (*budgetResult, error) {
	start := time.Now()
	failed := false
	defer func() {
		sc.stats["budget"].add(time.Since(start), failed)
	}()

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/v1/budgets/%s", sc.baseURL, strategyID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)

	resp, err := sc.client.Do(req)
	if err != nil {
		failed = true
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		failed = true
		return nil, fmt.Errorf("get budget returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Data budgetResult `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

func main() {
	sc, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create simulation client")
	}

	strategies := make([]string, numStrategies)
	for i := range strategies {
		strategies[i] = fmt.Sprintf("sim-strategy-%d", i+1)
	}

	start := time.Now()

	var wg sync.WaitGroup
	work := make(chan string)
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for strategyID := range work {
				sc.runStrategy(strategyID)
			}
		}()
	}
	for _, s := range strategies {
		work <- s
	}
	close(work)
	wg.Wait()

	log.Info().Dur("elapsed", time.Since(start)).Msg("simulation complete")

	// Final ledger state per strategy
	for _, s := range strategies {
		b, err := sc.getBudget(s)
		if err != nil {
			log.Warn().Err(err).Str("strategy_id", s).Msg("failed to fetch final budget")
			continue
		}
		log.Info().
			Str("strategy_id", s).
			Float64("total", b.Total).
			Float64("allocated", b.Allocated).
			Float64("available", b.Available).
			Float64("profit", b.Profit).
			Msg("final budget")
	}

	// Route statistics
	for _, rs := range sc.stats {
		min, max, mean, median, p95, p99 := rs.calculate()
		log.Info().
			Str("route", rs.name).
			Int("calls", rs.totalCalls).
			Int("failures", rs.failures).
			Dur("min", min).
			Dur("max", max).
			Dur("mean", mean).
			Dur("median", median).
			Dur("p95", p95).
			Dur("p99", p99).
			Msg("route statistics")
	}
}
