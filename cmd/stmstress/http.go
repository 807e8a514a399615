package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sehlabs.com/stm/internal/stm"
)

func speakPlainTextTo(w http.ResponseWriter) {
	w.Header().Add("Content-Type", "text/plain")
}

func makeHandler(region *stm.Region, registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/statusz", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		stats := region.Stats()
		speakPlainTextTo(w)
		fmt.Fprintf(w, "commit_time: %d\n", stats.CommitTime)
		fmt.Fprintf(w, "live_segments: %d\n", stats.LiveSegments)
		fmt.Fprintf(w, "live_transactions: %d\n", stats.LiveTransactions)
		fmt.Fprintf(w, "commits: %d\n", stats.Commits)
		fmt.Fprintf(w, "aborts: %d\n", stats.Aborts)
	})
	return mux
}

func runHTTPServer(addr string, handler http.Handler, stop <-chan struct{}) error {
	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-stop
		// Don't bother imposing a timeout here.
		_ = server.Shutdown(context.Background())
	}()
	err := server.ListenAndServe()
	if err != http.ErrServerClosed {
		return err
	}
	wg.Wait()
	return nil
}
