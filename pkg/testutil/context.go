package testutil

import (
	"net/http"

	id "subsidy/pkg/domain"
	"subsidy/pkg/requestcontext"
)

// WithActor adds the caller identity to the request context, as the auth middleware would.
func WithActor(req *http.Request, userID id.UserID, role string) *http.Request {
	return req.WithContext(requestcontext.WithActor(req.Context(), userID, role))
}
