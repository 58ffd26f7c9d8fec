// Benchmark tool for load-testing a running Kestrel server with labelled
// synthetic cases.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080 -cases 200 -workers 8
//
// This tool:
//  1. Generates cases that are either suspicious (structuring, layering,
//     income mismatch) or benign (salary-like activity), with a fixed seed
//  2. Sends each case to POST /cases/analyze
//  3. Treats a risk score at or above -threshold as a prediction of "suspicious"
//  4. Reports latency percentiles, generation paths, typologies and a
//     confusion matrix against the generated labels
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

// Transaction mirrors the case input format.
type Transaction struct {
	Date        string  `json:"date"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Type        string  `json:"type"`
	Originator  string  `json:"originator"`
	Beneficiary string  `json:"beneficiary"`
}

// Customer mirrors the case input format.
type Customer struct {
	Name                  string  `json:"name"`
	AccountNumber         string  `json:"account_number"`
	KYCRiskRating         string  `json:"kyc_risk_rating"`
	Occupation            string  `json:"occupation"`
	DeclaredIncome        float64 `json:"declared_income,omitempty"`
	ExpectedMonthlyVolume float64 `json:"expected_monthly_volume,omitempty"`
}

// Case is one generated input with its label.
type Case struct {
	CaseID       string        `json:"case_id"`
	AlertReason  string        `json:"alert_reason"`
	Customer     Customer      `json:"customer"`
	Transactions []Transaction `json:"transactions"`

	suspicious bool
	scenario   string
}

// AnalyzeResponse is the subset of the pipeline result the benchmark reads.
type AnalyzeResponse struct {
	CaseID         string   `json:"case_id"`
	RiskScore      int      `json:"risk_score"`
	Typology       string   `json:"typology"`
	GenerationPath string   `json:"generation_path"`
	Escalations    []string `json:"escalations"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Suspicious case scored at or above the threshold
	FalsePositives int64 // Benign case scored at or above the threshold
	TrueNegatives  int64 // Benign case scored below the threshold
	FalseNegatives int64 // Suspicious case scored below the threshold

	TotalProcessed int64
	TotalErrors    int64

	mu        sync.Mutex
	latencies []time.Duration
	paths     map[string]int
	typology  map[string]int
	scenarios map[string][]int
}

func (m *Metrics) observe(c Case, res *AnalyzeResponse, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, d)
	m.paths[res.GenerationPath]++
	m.typology[res.Typology]++
	m.scenarios[c.scenario] = append(m.scenarios[c.scenario], res.RiskScore)
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	count := flag.Int("cases", 100, "Number of cases to generate")
	workers := flag.Int("workers", 4, "Number of concurrent workers")
	threshold := flag.Int("threshold", 40, "Risk score treated as a suspicious prediction")
	seed := flag.Int64("seed", 42, "Generator seed")
	timeout := flag.Duration("timeout", 3*time.Minute, "Per-request timeout")
	verbose := flag.Bool("verbose", false, "Print each case result")
	flag.Parse()

	fmt.Println("KESTREL BENCHMARK - synthetic STR cases")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Cases:       %d\n", *count)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Threshold:   %d\n", *threshold)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel serve")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	cases := generateCases(rand.New(rand.NewSource(*seed)), *count)
	suspicious := 0
	for _, c := range cases {
		if c.suspicious {
			suspicious++
		}
	}
	fmt.Printf("Generated %d cases (%d suspicious, %d benign)\n", len(cases), suspicious, len(cases)-suspicious)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	m := runBenchmark(cases, *baseURL, *workers, *threshold, *timeout, *verbose)
	printResults(m, time.Since(start))
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

var scenarios = []struct {
	name       string
	suspicious bool
	build      func(r *rand.Rand, c *Case)
}{
	{"structuring", true, structuring},
	{"layering", true, layering},
	{"income_mismatch", true, incomeMismatch},
	{"salary", false, salary},
	{"retail", false, retail},
}

func generateCases(r *rand.Rand, n int) []Case {
	cases := make([]Case, n)
	for i := range cases {
		s := scenarios[r.Intn(len(scenarios))]
		c := Case{
			CaseID:     fmt.Sprintf("BENCH-%05d", i+1),
			suspicious: s.suspicious,
			scenario:   s.name,
			Customer: Customer{
				Name:          fmt.Sprintf("Customer %d", i+1),
				AccountNumber: fmt.Sprintf("ACC-%06d", r.Intn(1_000_000)),
				KYCRiskRating: []string{"Low", "Medium", "High"}[r.Intn(3)],
				Occupation:    []string{"Salaried", "Trader", "Consultant", "Student"}[r.Intn(4)],
			},
		}
		s.build(r, &c)
		cases[i] = c
	}
	return cases
}

func date(day int) string {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, day).Format("2006-01-02")
}

func structuring(r *rand.Rand, c *Case) {
	c.AlertReason = "Repeated cash deposits just below the reporting threshold"
	n := 3+r.Intn(4)
	for i := 0; i < n; i++ {
		c.Transactions = append(c.Transactions, Transaction{
			Date:        date(i),
			Amount:      float64(900_000 + r.Intn(99_000)),
			Currency:    "INR",
			Type:        "Cash Deposit",
			Originator:  "SELF",
			Beneficiary: c.Customer.AccountNumber,
		})
	}
}

func layering(r *rand.Rand, c *Case) {
	c.AlertReason = "Rapid movement of funds through multiple accounts"
	c.Customer.ExpectedMonthlyVolume = 200_000
	n := 6+r.Intn(6)
	for i := 0; i < n; i++ {
		c.Transactions = append(c.Transactions, Transaction{
			Date:        date(i / 2),
			Amount:      float64(1_000_000 + r.Intn(4_000_000)),
			Currency:    "INR",
			Type:        []string{"SWIFT", "Wire Transfer", "NEFT"}[r.Intn(3)],
			Originator:  fmt.Sprintf("ENTITY-%d", r.Intn(20)),
			Beneficiary: fmt.Sprintf("OFFSHORE-%d", r.Intn(20)),
		})
	}
}

func incomeMismatch(r *rand.Rand, c *Case) {
	c.AlertReason = "Credits inconsistent with declared income"
	c.Customer.Occupation = "Student"
	c.Customer.DeclaredIncome = 150_000
	n := 4+r.Intn(4)
	for i := 0; i < n; i++ {
		c.Transactions = append(c.Transactions, Transaction{
			Date:        date(i * 3),
			Amount:      float64(100_000 * (1 + r.Intn(9))),
			Currency:    "INR",
			Type:        "IMPS",
			Originator:  fmt.Sprintf("SENDER-%d", r.Intn(15)),
			Beneficiary: c.Customer.AccountNumber,
		})
	}
}

func salary(r *rand.Rand, c *Case) {
	c.AlertReason = "Periodic review"
	c.Customer.KYCRiskRating = "Low"
	c.Customer.DeclaredIncome = 1_200_000
	c.Customer.ExpectedMonthlyVolume = 150_000
	for i := 0; i < 3; i++ {
		c.Transactions = append(c.Transactions, Transaction{
			Date:        date(i * 30),
			Amount:      float64(95_000 + r.Intn(3_000)),
			Currency:    "INR",
			Type:        "NEFT",
			Originator:  "EMPLOYER-LTD",
			Beneficiary: c.Customer.AccountNumber,
		})
	}
}

func retail(r *rand.Rand, c *Case) {
	c.AlertReason = "Periodic review"
	c.Customer.ExpectedMonthlyVolume = 100_000
	n := 2+r.Intn(5)
	for i := 0; i < n; i++ {
		c.Transactions = append(c.Transactions, Transaction{
			Date:        date(i * 4),
			Amount:      float64(1_000 + r.Intn(25_000)) + 0.5,
			Currency:    "INR",
			Type:        "UPI",
			Originator:  c.Customer.AccountNumber,
			Beneficiary: fmt.Sprintf("MERCHANT-%d", r.Intn(5)),
		})
	}
}

func runBenchmark(cases []Case, baseURL string, numWorkers, threshold int, timeout time.Duration, verbose bool) *Metrics {
	m := &Metrics{
		paths:     make(map[string]int),
		typology:  make(map[string]int),
		scenarios: make(map[string][]int),
	}

	work := make(chan Case, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: timeout}

			for c := range work {
				start := time.Now()
				res, err := analyzeCase(client, baseURL, c)
				elapsed := time.Since(start)
				atomic.AddInt64(&m.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", c.CaseID, err)
					}
					continue
				}
				m.observe(c, res, elapsed)

				predicted := res.RiskScore >= threshold
				switch {
				case predicted && c.suspicious:
					atomic.AddInt64(&m.TruePositives, 1)
				case predicted && !c.suspicious:
					atomic.AddInt64(&m.FalsePositives, 1)
				case !predicted && !c.suspicious:
					atomic.AddInt64(&m.TrueNegatives, 1)
				default:
					atomic.AddInt64(&m.FalseNegatives, 1)
				}

				if verbose {
					status := "ok"
					if predicted != c.suspicious {
						status = "MISS"
					}
					fmt.Printf("%-4s %s | %-15s | score %3d | %-20s | %-9s | %v\n",
						status, c.CaseID, c.scenario, res.RiskScore, res.Typology, res.GenerationPath, elapsed.Round(time.Millisecond))
				}
			}
		}()
	}

	for _, c := range cases {
		work <- c
	}
	close(work)
	wg.Wait()

	return m
}

func analyzeCase(client *http.Client, baseURL string, c Case) (*AnalyzeResponse, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/cases/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "benchmark")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var res AnalyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(p * float64(len(sorted)-1))
	return sorted[i]
}

func printCounts(title string, counts map[string]int) {
	fmt.Printf("\n%s\n", title)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("   %-24s %d\n", k, counts[k])
	}
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    SUSP        BENIGN")
	fmt.Printf("   Actual  S    %8d    %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("           B    %8d    %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	fmt.Printf("\n   Precision: %.3f\n", precision)
	fmt.Printf("   Recall:    %.3f\n", recall)
	fmt.Printf("   F1 Score:  %.3f\n", f1)

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })
	fmt.Printf("\nLATENCY\n")
	fmt.Printf("   p50: %v\n", percentile(m.latencies, 0.50).Round(time.Millisecond))
	fmt.Printf("   p95: %v\n", percentile(m.latencies, 0.95).Round(time.Millisecond))
	fmt.Printf("   p99: %v\n", percentile(m.latencies, 0.99).Round(time.Millisecond))
	if duration > 0 {
		fmt.Printf("   Throughput: %.2f cases/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Printf("   Wall time:  %v\n", duration.Round(time.Millisecond))

	printCounts("GENERATION PATHS", m.paths)
	printCounts("TYPOLOGIES", m.typology)

	fmt.Printf("\nMEAN RISK SCORE BY SCENARIO\n")
	names := make([]string, 0, len(m.scenarios))
	for k := range m.scenarios {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		sum := 0
		for _, s := range m.scenarios[k] {
			sum += s
		}
		fmt.Printf("   %-24s %.1f (n=%d)\n", k, float64(sum)/float64(len(m.scenarios[k])), len(m.scenarios[k]))
	}
	fmt.Println()
}
