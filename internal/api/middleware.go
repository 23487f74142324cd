package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// slowRequestThreshold is the duration above which non-streaming requests are
// logged at WARN level.
const slowRequestThreshold = 500 * time.Millisecond

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer for Flush.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// LoggingMiddleware logs every request with its status, size and duration.
// Aborted responses are logged and the abort is re-raised.
func LoggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		fields := func() []zap.Field {
			return []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Int64("bytes", rec.bytes),
				zap.Duration("duration", time.Since(start)),
			}
		}

		defer func() {
			if p := recover(); p != nil {
				logger.Warn("request aborted", fields()...)
				panic(p)
			}
		}()

		next.ServeHTTP(rec, r)

		switch duration := time.Since(start); {
		case rec.status >= http.StatusInternalServerError:
			logger.Warn("request failed", fields()...)
		case duration > slowRequestThreshold && rec.Header().Get("Content-Type") != streamContentType:
			logger.Warn("slow request", fields()...)
		default:
			logger.Debug("request completed", fields()...)
		}
	})
}
