package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/searchkit/coordinator/pkg/logger"
)

const landingPage = `<html><body>
<h1>Search Coordinator</h1>
<p>Prometheus metrics are exposed at <a href="/metrics">/metrics</a>.</p>
</body></html>`

// StartServer serves the Prometheus scrape endpoint on its own port, in the
// background, and returns a function that shuts the server down.
func StartServer(port int) (shutdown func(context.Context) error) {
	log := logger.WithComponent("metrics-server")

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, landingPage)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("serving metrics", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	return srv.Shutdown
}
