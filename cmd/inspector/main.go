package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Quick diagnostic tool: dumps swarm health and breaker state from a
// running gateway.
func main() {
	base := flag.String("addr", "http://localhost:8080", "gateway base URL")
	key := flag.String("key", os.Getenv("EDGEGATE_AUTH_API_KEY"), "API key")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	for _, path := range []string{"/v1/swarm/health", "/v1/swarm/breakers"} {
		req, err := http.NewRequest(http.MethodGet, *base+path, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "request: %v\n", err)
			os.Exit(1)
		}
		if *key != "" {
			req.Header.Set("X-Gateway-Key", *key)
		}
		resp, err := client.Do(req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fetch %s: %v\n", path, err)
			os.Exit(1)
		}

		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			resp.Body.Close()
			fmt.Fprintf(os.Stderr, "decode %s: %v\n", path, err)
			os.Exit(1)
		}
		resp.Body.Close()

		pretty, _ := json.MarshalIndent(body, "", "  ")
		fmt.Printf("--- %s (%d) ---\n%s\n\n", path, resp.StatusCode, pretty)
	}
}
