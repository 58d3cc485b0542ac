package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/wudi/filterkit/internal/errors"
	"github.com/wudi/filterkit/internal/logging"
	"go.uber.org/zap"
)

// Recovery turns a panic in the handler into a 500 JSON error
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logging.Error("Panic recovered",
						zap.Any("error", err),
						zap.ByteString("stack", debug.Stack()),
					)

					filterErr := errors.ErrInternalServer.WithDetails(fmt.Sprintf("panic: %v", err))
					if reqID := RequestIDFromContext(r.Context()); reqID != "" {
						filterErr = filterErr.WithRequestID(reqID)
					}
					filterErr.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
