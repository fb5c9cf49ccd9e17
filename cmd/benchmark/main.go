// Benchmark tool for load-testing the Talon calculation endpoint.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -n 10000 -workers 10
//
// This tool:
//   1. Seeds a set of reward rules for a synthetic card portfolio
//   2. Sends randomized transactions to POST /calculate
//   3. Reports throughput, latency percentiles, and the points distribution
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CalculateRequest mirrors the Talon API input format.
type CalculateRequest struct {
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	UserID     string    `json:"userId"`
	CardID     string    `json:"cardId"`
	CardTypeID string    `json:"cardTypeId"`
	MCC        *string   `json:"mcc,omitempty"`
	Category   string    `json:"category,omitempty"`
	IsOnline   bool      `json:"isOnline,omitempty"`
	Date       time.Time `json:"date"`
}

// CalculateResponse mirrors the Talon API output format.
type CalculateResponse struct {
	TotalPoints float64  `json:"totalPoints"`
	BasePoints  float64  `json:"basePoints"`
	BonusPoints float64  `json:"bonusPoints"`
	Messages    []string `json:"messages,omitempty"`
}

// RuleRequest is the rule creation payload used for seeding.
type RuleRequest struct {
	ID         string           `json:"id"`
	CardTypeID string           `json:"cardTypeId"`
	Name       string           `json:"name"`
	Enabled    bool             `json:"enabled"`
	Priority   int              `json:"priority"`
	Conditions []map[string]any `json:"conditions,omitempty"`
	Reward     map[string]any   `json:"reward"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TotalRequests int64
	TotalErrors   int64
	TotalMatched  int64 // responses that applied a rule (points > 0)
	TotalPoints   uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

var (
	cardTypes  = []string{"card-gold", "card-platinum", "card-basic"}
	currencies = []string{"USD", "USD", "USD", "EUR", "GBP"}
	mccs       = []string{"5411", "5812", "4111", "5541", "5999"}
	categories = []string{"groceries", "dining", "transit", "fuel", "other"}
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Talon base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	total := flag.Int("n", 10000, "Number of transactions to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Int64("seed", 42, "Random seed for transaction generation")
	skipSeed := flag.Bool("skip-seed", false, "Skip seeding benchmark rules")
	verbose := flag.Bool("verbose", false, "Print each calculation result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           TALON BENCHMARK - Reward Calculation Load           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nTalon URL:   %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Requests:    %d\n", *total)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	// Check Talon is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Talon not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Talon is running:")
		fmt.Println("  go run cmd/talon/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Talon is healthy")

	if !*skipSeed {
		if err := seedRules(*baseURL, *tenantID); err != nil {
			fmt.Printf("ERROR: Failed to seed rules: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✓ Benchmark rules seeded")
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(*baseURL, *tenantID, *total, *workers, *seed, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// seedRules installs one base rule per card type plus a capped dining
// bonus, so the load exercises selection, tiers, and cap clamping.
func seedRules(baseURL, tenantID string) error {
	rules := []RuleRequest{
		{
			ID:         "bench-gold-base",
			CardTypeID: "card-gold",
			Name:       "gold base earn",
			Enabled:    true,
			Priority:   10,
			Conditions: []map[string]any{
				{"type": "currency", "operation": "include", "values": []string{"USD"}},
			},
			Reward: map[string]any{
				"calculationMethod": "standard",
				"baseMultiplier":    1,
				"bonusMultiplier":   1,
				"amountRounding":    "floor",
			},
		},
		{
			ID:         "bench-gold-dining",
			CardTypeID: "card-gold",
			Name:       "gold dining 4x",
			Enabled:    true,
			Priority:   20,
			Conditions: []map[string]any{
				{"type": "currency", "operation": "include", "values": []string{"USD"}},
				{"type": "mcc", "operation": "include", "values": []string{"5812"}},
			},
			Reward: map[string]any{
				"calculationMethod": "standard",
				"baseMultiplier":    1,
				"bonusMultiplier":   3,
				"amountRounding":    "floor",
				"monthlyCap":        2000,
				"monthlyCapType":    "bonus_points",
			},
		},
		{
			ID:         "bench-platinum-tiered",
			CardTypeID: "card-platinum",
			Name:       "platinum tiered earn",
			Enabled:    true,
			Priority:   10,
			Reward: map[string]any{
				"calculationMethod": "tiered",
				"baseMultiplier":    1,
				"amountRounding":    "floor",
				"tiers": []map[string]any{
					{"minAmount": 0, "maxAmount": 100, "multiplier": 1},
					{"minAmount": 100, "maxAmount": 500, "multiplier": 2},
					{"minAmount": 500, "multiplier": 3},
				},
			},
		},
		{
			ID:         "bench-basic-flat",
			CardTypeID: "card-basic",
			Name:       "basic flat earn",
			Enabled:    true,
			Priority:   10,
			Reward: map[string]any{
				"calculationMethod": "standard",
				"baseMultiplier":    0.5,
				"bonusMultiplier":   0,
				"amountRounding":    "floor",
			},
		},
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for _, rule := range rules {
		body, err := json.Marshal(rule)
		if err != nil {
			return err
		}

		req, err := http.NewRequest(http.MethodPost, baseURL+"/rules", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", tenantID)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return fmt.Errorf("seeding rule %s: status %d", rule.ID, resp.StatusCode)
		}
	}
	return nil
}

func randomTransaction(rng *rand.Rand) CalculateRequest {
	mcc := mccs[rng.Intn(len(mccs))]
	return CalculateRequest{
		Amount:     float64(rng.Intn(100000)) / 100.0,
		Currency:   currencies[rng.Intn(len(currencies))],
		UserID:     fmt.Sprintf("user-%03d", rng.Intn(200)),
		CardID:     fmt.Sprintf("card-%03d", rng.Intn(500)),
		CardTypeID: cardTypes[rng.Intn(len(cardTypes))],
		MCC:        &mcc,
		Category:   categories[rng.Intn(len(categories))],
		IsOnline:   rng.Intn(2) == 0,
		Date:       time.Now().UTC(),
	}
}

func runBenchmark(baseURL, tenantID string, total, numWorkers int, seed int64, verbose bool) *Metrics {
	metrics := &Metrics{latencies: make([]time.Duration, 0, total)}

	work := make(chan CalculateRequest, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				result, err := calculate(client, baseURL, tenantID, tx)
				elapsed := time.Since(start)

				metrics.recordLatency(elapsed)
				atomic.AddInt64(&metrics.TotalRequests, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s %s -> %v\n", tx.CardTypeID, tx.Currency, err)
					}
					continue
				}

				if result.TotalPoints > 0 {
					atomic.AddInt64(&metrics.TotalMatched, 1)
					atomic.AddUint64(&metrics.TotalPoints, uint64(result.TotalPoints))
				}

				if verbose {
					fmt.Printf("%-13s | %s %9.2f | base %8.0f | bonus %8.0f | total %8.0f\n",
						tx.CardTypeID, tx.Currency, tx.Amount,
						result.BasePoints, result.BonusPoints, result.TotalPoints)
				}
			}
		}()
	}

	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < total; i++ {
		work <- randomTransaction(rng)
	}
	close(work)

	wg.Wait()
	return metrics
}

func calculate(client *http.Client, baseURL, tenantID string, tx CalculateRequest) (*CalculateResponse, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/calculate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result CalculateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 REQUEST STATISTICS\n")
	fmt.Printf("   Total Requests:   %d\n", m.TotalRequests)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	fmt.Printf("   Rule Matched:     %d (%.2f%%)\n", m.TotalMatched,
		100*float64(m.TotalMatched)/float64(max(m.TotalRequests, 1)))
	fmt.Printf("   Points Awarded:   %d\n", m.TotalPoints)

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })

	fmt.Printf("\n⏱️  LATENCY\n")
	fmt.Printf("   p50:  %v\n", percentile(m.latencies, 0.50).Round(time.Microsecond))
	fmt.Printf("   p90:  %v\n", percentile(m.latencies, 0.90).Round(time.Microsecond))
	fmt.Printf("   p99:  %v\n", percentile(m.latencies, 0.99).Round(time.Microsecond))
	if len(m.latencies) > 0 {
		fmt.Printf("   max:  %v\n", m.latencies[len(m.latencies)-1].Round(time.Microsecond))
	}

	fmt.Printf("\n🚀 THROUGHPUT\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalRequests > 0 {
		fmt.Printf("   Requests/sec:     %.2f\n", float64(m.TotalRequests)/duration.Seconds())
	}
	fmt.Println()
}
