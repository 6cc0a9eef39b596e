// Command healthcheck probes a running apkqueue and exits non-zero when the
// stats endpoint does not answer 200. It is meant for container health checks.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

const defaultURL = "http://localhost:8000/stats"

func main() {
	url := flag.String("url", defaultURL, "endpoint to probe")
	timeout := flag.Duration("timeout", 2*time.Second, "probe timeout")
	flag.Parse()

	if err := probe(*url, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck:", err)
		os.Exit(1)
	}
}

func probe(url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return nil
}
