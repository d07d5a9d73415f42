package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/tokenflow/internal/domain"
	"github.com/punchamoorthee/tokenflow/internal/ledger"
	"github.com/punchamoorthee/tokenflow/internal/models"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	billEvery   int
)

// Metrics
var (
	totalRequests uint64
	success200    uint64
	success201    uint64
	fail409       uint64 // Concurrent billing of the same service
	fail422       uint64 // Nothing to bill, insufficient funds
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | usage")
	flag.IntVar(&accounts, "accounts", 1000, "Number of seeded owners")
	flag.IntVar(&billEvery, "bill-every", 20, "usage workload: bill after this many recorded usages")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, i)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, id int) {
	defer wg.Done()
	client := &http.Client{Timeout: 35 * time.Second}

	for n := 0; time.Since(start) < duration; n++ {
		var path string
		var body []byte
		var err error

		if workload == "usage" {
			path, body, err = usageRequest(id, n)
		} else {
			path, body, err = prepaymentRequest()
		}
		if err != nil {
			log.Fatalf("build request: %v", err)
		}

		req, _ := http.NewRequest(http.MethodPost, targetURL+path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func prepaymentRequest() (string, []byte, error) {
	from, to := generateAccounts()
	body, err := domain.MarshalFlowConfig(domain.PrepaymentConfig{
		FlowBase: domain.FlowBase{Payer: from, Recipient: to},
		Amount:   1_000,
	})
	return "/api/v1/prepayments", body, err
}

// usageRequest records usage against a service shared by a few workers and
// periodically bills it, so concurrent bills of one service contend.
func usageRequest(worker, n int) (string, []byte, error) {
	serviceID := fmt.Sprintf("bench-svc-%d", worker%4)
	if n%billEvery != billEvery-1 {
		body, err := json.Marshal(models.RecordUsageRequest{
			UserID: fmt.Sprintf("worker-%d", worker),
			Amount: int64(rand.Intn(500) + 1),
		})
		return "/api/v1/usage/" + serviceID, body, err
	}

	from, to := generateAccounts()
	cfg, err := domain.MarshalFlowConfig(domain.PayAsYouGoConfig{
		FlowBase:    domain.FlowBase{Payer: from, Recipient: to},
		PerUsePrice: 1,
	})
	if err != nil {
		return "", nil, err
	}
	body, err := json.Marshal(models.BillUsageRequest{Config: cfg})
	return "/api/v1/usage/" + serviceID + "/bill", body, err
}

func generateAccounts() (ledger.Address, ledger.Address) {
	owner := func(i int) ledger.Address { return ledger.LabeledAddress(fmt.Sprint(i)) }

	if workload == "hotspot" {
		// Hotspot: 90% of traffic moves between owners 0 and 1
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return owner(0), owner(1)
			}
			return owner(1), owner(0)
		}
	}

	a := rand.Intn(accounts)
	b := rand.Intn(accounts)
	for a == b {
		b = rand.Intn(accounts)
	}
	return owner(a), owner(b)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	conflictRate := 0.0
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]any{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   s201,
		"success_ok":        s200,
		"billing_conflicts": f409,
		"conflict_rate_pct": conflictRate,
		"rejected":          f422,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
