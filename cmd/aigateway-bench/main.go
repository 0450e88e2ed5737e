package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"
)

// Load generator for a running gateway. Point it at an instance configured
// with stub providers to measure gateway overhead alone.
func main() {
	target := flag.String("target", "http://localhost:8080", "Gateway base URL")
	duration := flag.Duration("duration", 10*time.Second, "Duration of the test")
	rate := flag.Int("rate", 50, "Requests per second")
	stream := flag.Bool("stream", false, "Use streaming requests")
	model := flag.String("model", "", "Explicit model reference, e.g. local/echo")
	useCase := flag.String("use-case", "", "Use case to route by")
	user := flag.String("user", "bench", "Value of the X-User-ID header")
	flag.Parse()

	body, err := json.Marshal(map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "Hello from the benchmark"}},
		"model":    *model,
		"use_case": *useCase,
		"stream":   *stream,
	})
	if err != nil {
		log.Fatalf("Failed to encode request: %v", err)
	}

	waitForGateway(*target + "/health")

	targeter := vegeta.NewStaticTargeter(vegeta.Target{
		Method: http.MethodPost,
		URL:    *target + "/v1/completion",
		Body:   body,
		Header: http.Header{
			"Content-Type": []string{"application/json"},
			"X-User-ID":    []string{*user},
		},
	})

	mode := "Unary"
	if *stream {
		mode = "Streaming"
	}
	fmt.Printf("Running %s benchmark: %s duration, %d req/s\n", mode, *duration, *rate)

	attacker := vegeta.NewAttacker(vegeta.KeepAlive(true))
	var metrics vegeta.Metrics
	for res := range attacker.Attack(targeter, vegeta.Rate{Freq: *rate, Per: time.Second}, *duration, "aigateway") {
		metrics.Add(res)
	}
	metrics.Close()

	fmt.Println("--------------------------------------------------")
	fmt.Println("99th percentile: ", metrics.Latencies.P99)
	fmt.Println("Mean:            ", metrics.Latencies.Mean)
	fmt.Println("Max:             ", metrics.Latencies.Max)
	fmt.Printf("Success:         %.2f%%\n", metrics.Success*100)
	fmt.Printf("Throughput:      %.2f req/s\n", metrics.Throughput)
	fmt.Println("Status codes:    ", metrics.StatusCodes)
	fmt.Println("--------------------------------------------------")

	if len(metrics.Errors) > 0 {
		fmt.Println("Error Set (first 5 unique):")
		seen := make(map[string]bool)
		for _, msg := range metrics.Errors {
			if len(seen) == 5 {
				break
			}
			if !seen[msg] {
				fmt.Println(msg)
				seen[msg] = true
			}
		}
		os.Exit(1)
	}
}

// waitForGateway polls url until it answers. A 503 counts: the gateway is
// up even when no provider is healthy.
func waitForGateway(url string) {
	for i := 0; i < 20; i++ {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	log.Fatal("Gateway did not become ready")
}
