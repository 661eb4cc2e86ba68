// Command convergence polls several peers and reports whether they agree on
// a leader. It exits non-zero when they do not agree before the deadline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

type leaderView struct {
	ClientID string `json:"clientId"`
	LeaderID string `json:"leaderId"`
	IsLeader bool   `json:"isLeader"`
}

func main() {
	peers := flag.String("peers", "http://localhost:8080", "comma separated peer API base URLs")
	timeout := flag.Duration("timeout", 60*time.Second, "how long to wait for agreement")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	flag.Parse()

	urls := strings.Split(*peers, ",")
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	fmt.Printf("Polling %d peers for agreement...\n", len(urls))

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		views, err := poll(ctx, client, urls)
		if err != nil {
			fmt.Printf("poll failed: %v\n", err)
		} else if leader, ok := agreed(views); ok {
			fmt.Printf("OK: %d peers agree on leader %s\n", len(views), leader)
			return
		} else {
			for _, v := range views {
				fmt.Printf("  %s -> %s\n", v.ClientID, v.LeaderID)
			}
		}

		select {
		case <-ctx.Done():
			fmt.Println("FAIL: peers did not converge before the deadline")
			os.Exit(1)
		case <-ticker.C:
		}
	}
}

func poll(ctx context.Context, client *http.Client, urls []string) ([]leaderView, error) {
	views := make([]leaderView, 0, len(urls))
	for _, base := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(strings.TrimSpace(base), "/")+"/api/v1/cluster/leader", nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", base, err)
		}
		var v leaderView
		err = json.NewDecoder(resp.Body).Decode(&v)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", base, err)
		}
		views = append(views, v)
	}
	return views, nil
}

// agreed requires a common leader and exactly one peer claiming it.
func agreed(views []leaderView) (string, bool) {
	if len(views) == 0 {
		return "", false
	}
	leader := views[0].LeaderID
	claims := 0
	for _, v := range views {
		if v.LeaderID != leader {
			return "", false
		}
		if v.IsLeader {
			claims++
		}
	}
	return leader, claims == 1
}
