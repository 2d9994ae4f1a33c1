package obs

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/yanun0323/logs"
)

// traced echoes the request id assigned by middleware.RequestID and logs each
// request at debug level.
func traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := middleware.GetReqID(r.Context())
		if id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		logs.Debugf("ops: %s %s [%s] %s", r.Method, r.URL.Path, id, time.Since(start))
	})
}
