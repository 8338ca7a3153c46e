// Sustained load benchmark for airlookup serve mode
// Usage: go run ./benchmarks/lookup_bench [flags]
//
// Examples:
//   go run ./benchmarks/lookup_bench --duration 30
//   go run ./benchmarks/lookup_bench --workers 50 --compress gzip --format msgpack
//   go run ./benchmarks/lookup_bench --field phone --pregenerate 5000

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"
)

type Config struct {
	Duration    int
	Workers     int
	Pregenerate int
	Compress    string
	Format      string // "json" or "msgpack"
	Field       string // "email", "phone", "orderId" or "mixed"
	Host        string
	Port        int
	Token       string
}

type Stats struct {
	totalOK      atomic.Int64
	totalMatches atomic.Int64
	totalErrors  atomic.Int64
	running      atomic.Bool

	codesMu sync.Mutex
	codes   map[string]int64

	// Per-worker latency slices to avoid mutex contention during test
	workerLatencies [][]float64
}

func (s *Stats) initWorkers(n int) {
	s.codes = make(map[string]int64)
	s.workerLatencies = make([][]float64, n)
	for i := range s.workerLatencies {
		s.workerLatencies[i] = make([]float64, 0, 10000)
	}
}

func (s *Stats) addLatency(workerID int, ms float64) {
	s.workerLatencies[workerID] = append(s.workerLatencies[workerID], ms)
}

func (s *Stats) addCode(code string) {
	s.codesMu.Lock()
	s.codes[code]++
	s.codesMu.Unlock()
}

func (s *Stats) getPercentile(p float64) float64 {
	var total int
	for _, wl := range s.workerLatencies {
		total += len(wl)
	}
	if total == 0 {
		return 0
	}

	all := make([]float64, 0, total)
	for _, wl := range s.workerLatencies {
		all = append(all, wl...)
	}
	sort.Float64s(all)

	idx := int(float64(len(all)) * p)
	if idx >= len(all) {
		idx = len(all) - 1
	}
	return all[idx]
}

// envelope is the subset of the response the benchmark inspects
type envelope struct {
	Status  string        `json:"status" msgpack:"status"`
	Code    string        `json:"code" msgpack:"code"`
	Matches []interface{} `json:"matches" msgpack:"matches"`
}

func lookupPayload(field string) map[string]interface{} {
	if field == "mixed" {
		field = []string{"email", "phone", "orderId"}[rand.Intn(3)]
	}

	var value string
	switch field {
	case "phone":
		value = fmt.Sprintf("+9725%08d", rand.Intn(100000000))
	case "orderId":
		value = fmt.Sprintf("ORD-%06d", rand.Intn(1000000))
	default:
		value = fmt.Sprintf("user%05d@example.com", rand.Intn(100000))
	}
	return map[string]interface{}{"field": field, "value": value}
}

func generatePayloads(count int, field, compress string) [][]byte {
	payloads := make([][]byte, count)
	for i := 0; i < count; i++ {
		data, err := json.Marshal(lookupPayload(field))
		if err != nil {
			panic(err)
		}

		if compress == "gzip" {
			var buf bytes.Buffer
			w, _ := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
			w.Write(data)
			w.Close()
			data = buf.Bytes()
		}
		payloads[i] = data
	}
	return payloads
}

func decodeEnvelope(format string, body []byte) (*envelope, error) {
	var env envelope
	if format == "msgpack" {
		if err := msgpack.Unmarshal(body, &env); err != nil {
			return nil, err
		}
		return &env, nil
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func worker(id int, cfg *Config, payloads [][]byte, stats *Stats, client *http.Client) {
	url := fmt.Sprintf("http://%s:%d/api/v1/lookup", cfg.Host, cfg.Port)

	headers := map[string]string{
		"Content-Type": "application/json",
	}
	if cfg.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Token
	}
	if cfg.Compress == "gzip" {
		headers["Content-Encoding"] = "gzip"
	}
	if cfg.Format == "msgpack" {
		headers["Accept"] = "application/msgpack"
	}

	idx := id
	for stats.running.Load() {
		payload := payloads[idx%len(payloads)]
		idx++

		start := time.Now()

		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			stats.totalErrors.Add(1)
			continue
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			stats.totalErrors.Add(1)
			if stats.totalErrors.Load() <= 3 {
				fmt.Printf("Error: %v\n", err)
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
		if err != nil {
			stats.totalErrors.Add(1)
			continue
		}

		env, err := decodeEnvelope(cfg.Format, body)
		if err != nil {
			stats.totalErrors.Add(1)
			if stats.totalErrors.Load() <= 3 {
				fmt.Printf("Error decoding %d response: %v\n", resp.StatusCode, err)
			}
			continue
		}

		stats.addLatency(id, latencyMs)
		if env.Status == "ok" {
			stats.totalOK.Add(1)
			stats.totalMatches.Add(int64(len(env.Matches)))
		} else {
			stats.totalErrors.Add(1)
			stats.addCode(env.Code)
		}
	}
}

func main() {
	cfg := Config{}

	flag.IntVar(&cfg.Duration, "duration", 30, "Test duration in seconds")
	flag.IntVar(&cfg.Workers, "workers", 20, "Number of concurrent workers")
	flag.IntVar(&cfg.Pregenerate, "pregenerate", 1000, "Number of payloads to pre-generate")
	flag.StringVar(&cfg.Compress, "compress", "none", "Request compression: none, gzip")
	flag.StringVar(&cfg.Format, "format", "json", "Response format: json, msgpack")
	flag.StringVar(&cfg.Field, "field", "mixed", "Lookup field: email, phone, orderId, mixed")
	flag.StringVar(&cfg.Host, "host", "localhost", "Server host")
	flag.IntVar(&cfg.Port, "port", 8080, "Server port")
	flag.Parse()

	cfg.Token = os.Getenv("AIRLOOKUP_SERVER_AUTH_TOKEN")

	fmt.Println("================================================================================")
	fmt.Println("AIRLOOKUP SUSTAINED LOOKUP LOAD TEST")
	fmt.Println("================================================================================")
	fmt.Printf("Target: http://%s:%d/api/v1/lookup\n", cfg.Host, cfg.Port)
	fmt.Printf("Field: %s\n", cfg.Field)
	fmt.Printf("Response format: %s\n", cfg.Format)
	fmt.Printf("Request compression: %s\n", cfg.Compress)
	fmt.Printf("Duration: %ds\n", cfg.Duration)
	fmt.Printf("Workers: %d\n", cfg.Workers)
	fmt.Println("================================================================================")
	fmt.Println()

	payloads := generatePayloads(cfg.Pregenerate, cfg.Field, cfg.Compress)

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Workers + 10,
			MaxIdleConnsPerHost: cfg.Workers + 10,
			MaxConnsPerHost:     cfg.Workers + 10,
			IdleConnTimeout:     30 * time.Second,
		},
		Timeout: 60 * time.Second,
	}

	fmt.Println("Starting test...")
	stats := &Stats{}
	stats.initWorkers(cfg.Workers)
	stats.running.Store(true)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			worker(id, &cfg, payloads, stats, client)
		}(i)
	}

	startTime := time.Now()
	lastOK := int64(0)
	ticker := time.NewTicker(5 * time.Second)

	go func() {
		for range ticker.C {
			if !stats.running.Load() {
				return
			}
			elapsed := time.Since(startTime).Seconds()
			currentOK := stats.totalOK.Load()
			intervalRPS := float64(currentOK-lastOK) / 5.0
			fmt.Printf("[%6.1fs] RPS: %8.0f | OK: %10d | Errors: %6d\n",
				elapsed, intervalRPS, currentOK, stats.totalErrors.Load())
			lastOK = currentOK
		}
	}()

	time.Sleep(time.Duration(cfg.Duration) * time.Second)
	stats.running.Store(false)
	ticker.Stop()
	wg.Wait()

	elapsed := time.Since(startTime).Seconds()
	totalOK := stats.totalOK.Load()
	totalErrors := stats.totalErrors.Load()

	fmt.Println()
	fmt.Println("================================================================================")
	fmt.Println("RESULTS")
	fmt.Println("================================================================================")
	fmt.Printf("Duration:        %.1fs\n", elapsed)
	fmt.Printf("Lookups ok:      %d\n", totalOK)
	fmt.Printf("Matches:         %d\n", stats.totalMatches.Load())
	fmt.Printf("Errors:          %d\n", totalErrors)
	for code, n := range stats.codes {
		fmt.Printf("  %-22s %d\n", code+":", n)
	}
	fmt.Printf("Throughput:      %.0f lookups/sec\n", float64(totalOK)/elapsed)
	fmt.Println()
	fmt.Println("Latency percentiles:")
	fmt.Printf("  p50:  %.2f ms\n", stats.getPercentile(0.50))
	fmt.Printf("  p95:  %.2f ms\n", stats.getPercentile(0.95))
	fmt.Printf("  p99:  %.2f ms\n", stats.getPercentile(0.99))
	fmt.Println("================================================================================")
}
