package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/git-hunters/githunters/internal/metrics"
)

const unmatchedRoute = "unmatched"

// routeLabel is the mux path template of the matched route, so
// /api/contracts/pools/{owner}/{repo} stays one series for every repo.
func routeLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return unmatchedRoute
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return unmatchedRoute
	}
	return tpl
}

// MetricsMiddleware is installed with router.Use so that the route is known
// when the request finishes.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.IncInFlight()
		defer metrics.DecInFlight()

		rec := record(w)
		began := time.Now()
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(r.Method, routeLabel(r), strconv.Itoa(rec.status), time.Since(began))
	})
}
