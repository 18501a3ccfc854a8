package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenIntent-Chain/sdk/go/openintent"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/intents", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(openintent.Receipt{
			IntentID:    "in-demo",
			TaskID:      "task-demo",
			AgentID:     "lending-agent",
			Status:      "completed",
			Confidence:  0.9,
			Result:      map[string]any{"tx_hash": "0xfeed"},
			Attempts:    1,
			DurationMS:  42,
			CompletedAt: time.Now().UTC(),
		})
	})
	mux.HandleFunc("/api/v1/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openintent.Task{
			ID:       "task-demo",
			IntentID: "in-demo",
			AgentID:  "lending-agent",
			Action:   "supply",
			Status:   "completed",
			Result:   map[string]any{"tx_hash": "0xfeed"},
		})
	})
	mux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openintent.Stats{
			Tasks:  openintent.TaskStats{Total: 1, Completed: 1},
			Agents: openintent.AgentStats{Total: 1, ByStatus: map[string]int{"idle": 1}},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := openintent.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	receipt, err := client.ProcessIntent(ctx, openintent.Intent{
		Type:       "lending",
		Action:     "supply",
		Parameters: map[string]any{"asset": "USDC", "amount": 1000},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("intent %s handled by %s (status=%s)\n", receipt.IntentID, receipt.AgentID, receipt.Status)

	detail, err := client.GetTask(ctx, receipt.TaskID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s result=%v\n", detail.ID, detail.Result)

	stats, err := client.Stats(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("completed %d of %d tasks\n", stats.Tasks.Completed, stats.Tasks.Total)
}
