package rpc

import (
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc/metadata"
)

// AuthorizationKey is the metadata key carrying the bearer token.
const AuthorizationKey = "authorization"

// BearerMetadata builds the "authorization: Bearer <token>" metadata
// frame the push client attaches when a token is configured.
func BearerMetadata(token string) metadata.MD {
	if token == "" {
		return nil
	}
	return metadata.Pairs(AuthorizationKey, "Bearer "+token)
}

// CheckBearer compares md's bearer token against want in constant
// time (spec.md §4.G). An empty want means no auth is configured and
// every request is accepted.
func CheckBearer(md metadata.MD, want string) bool {
	if want == "" {
		return true
	}
	vals := md.Get(AuthorizationKey)
	if len(vals) == 0 {
		return false
	}
	const prefix = "Bearer "
	got := vals[0]
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	got = strings.TrimPrefix(got, prefix)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
