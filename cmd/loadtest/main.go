// Command loadtest drives a running agent's POST /send endpoint at a fixed
// rate and reports throughput, error counts and latency percentiles. Useful
// for soak testing the admission control and retry settings against a staging
// upstream.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type result struct {
	status  int
	err     error
	latency time.Duration
}

func main() {
	var (
		agentURL    = flag.String("agent-url", "http://localhost:9000", "Agent base URL")
		appKey      = flag.String("app-key", "app_loadtest", "Application identifier to send as")
		workers     = flag.Int("workers", 5, "Number of worker goroutines")
		qps         = flag.Int("qps", 25, "Requests per second per worker")
		duration    = flag.Duration("duration", 30*time.Second, "Test duration")
		payloadSize = flag.Int("payload-size", 512, "Approximate payload size in bytes")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	filler := make([]byte, *payloadSize)
	for i := range filler {
		filler[i] = 'a' + byte(i%26)
	}

	logger.WithFields(logrus.Fields{
		"agent_url": *agentURL,
		"workers":   *workers,
		"qps":       *qps,
		"duration":  *duration,
	}).Info("Starting load test")

	results := make(chan result, (*workers)*(*qps))
	deadline := time.Now().Add(*duration)
	client := &http.Client{Timeout: 30 * time.Second}

	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ticker := time.NewTicker(time.Second / time.Duration(*qps))
			defer ticker.Stop()
			seq := 0
			for time.Now().Before(deadline) {
				<-ticker.C
				seq++
				results <- sendOne(client, *agentURL, *appKey, worker, seq, string(filler))
			}
		}(w)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var sent, failed int
	var latencies []time.Duration
	statuses := make(map[int]int)
	for r := range results {
		sent++
		if r.err != nil || r.status != http.StatusOK {
			failed++
			logger.WithError(r.err).WithField("status", r.status).Debug("Request failed")
		}
		statuses[r.status]++
		latencies = append(latencies, r.latency)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	logger.WithFields(logrus.Fields{
		"sent":     sent,
		"failed":   failed,
		"statuses": fmt.Sprintf("%v", statuses),
		"p50":      percentile(latencies, 0.50),
		"p95":      percentile(latencies, 0.95),
		"p99":      percentile(latencies, 0.99),
	}).Info("Load test complete")
}

func sendOne(client *http.Client, agentURL, appKey string, worker, seq int, filler string) result {
	body, _ := json.Marshal(map[string]interface{}{
		"app_key": appKey,
		"data": map[string]interface{}{
			"worker": worker,
			"seq":    seq,
			"filler": filler,
		},
	})

	start := time.Now()
	resp, err := client.Post(agentURL+"/send", "application/json", bytes.NewReader(body))
	latency := time.Since(start)
	if err != nil {
		return result{err: err, latency: latency}
	}
	resp.Body.Close()
	return result{status: resp.StatusCode, latency: latency}
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
