package api

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// CallerHeader carries the authenticated caller address. It is set by the
// upstream auth gateway and trusted as-is.
const CallerHeader = "X-Caller-Address"

type callerKey struct{}

// RequireCaller rejects requests without a valid caller address and stores
// the address in the request context.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(CallerHeader)
		if raw == "" {
			writeError(w, CallerHeader+" header is required", http.StatusUnauthorized)
			return
		}
		if !common.IsHexAddress(raw) {
			writeError(w, "invalid "+CallerHeader+" header", http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, common.HexToAddress(raw))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerFrom returns the caller stored by RequireCaller.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}
