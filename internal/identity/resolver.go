// Package identity resolves the sender of a request at the transport
// boundary. The chat pipeline treats the result as opaque and never derives
// identity itself.
package identity

import (
	"errors"
	"net/http"
	"strings"
)

// ErrUnidentified is returned when a request carries no sender ID.
var ErrUnidentified = errors.New("identity: sender could not be identified")

// Identity is the resolved author of a submission.
type Identity struct {
	ID   string
	Name string
}

// Resolver extracts an Identity from an inbound request. Deployments with a
// real authentication layer plug their verifier in here.
type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// Header names read by HeaderResolver. An authenticating proxy in front of
// the service is expected to set them.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
)

// HeaderResolver trusts identity headers set upstream. Browsers cannot set
// headers on a WebSocket upgrade, so user_id and user_name query parameters
// are accepted as a fallback.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (Identity, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	name := strings.TrimSpace(r.Header.Get(HeaderUserName))

	q := r.URL.Query()
	if id == "" {
		id = strings.TrimSpace(q.Get("user_id"))
	}
	if name == "" {
		name = strings.TrimSpace(q.Get("user_name"))
	}

	if id == "" {
		return Identity{}, ErrUnidentified
	}
	if name == "" {
		name = id
	}
	return Identity{ID: id, Name: name}, nil
}
