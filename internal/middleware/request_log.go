package middleware

import (
	"net/http"
	"time"

	"github.com/spagchat/internal/logger"
)

// RequestLog пишет method, path, статус и время; медленные запросы видны и на уровне info.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrap := wrapWriter(w)
		start := time.Now()
		next.ServeHTTP(wrap, r)
		logger.LogDuration("http "+r.Method+" "+r.URL.Path, start)
		if wrap.status >= http.StatusInternalServerError {
			logger.Warnf("http %s %s status=%d", r.Method, r.URL.Path, wrap.status)
		} else {
			logger.Debugf("http %s %s status=%d", r.Method, r.URL.Path, wrap.status)
		}
	})
}
