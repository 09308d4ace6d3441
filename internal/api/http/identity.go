package http

import (
	"errors"
	"net/http"

	"github.com/collabwire/collabwire/internal/domain"
)

var ErrNoIdentity = errors.New("no caller identity")

// IdentityResolver turns an inbound request into the authenticated caller.
// Authentication mechanics live outside this service; implementations only
// extract an already-verified identity.
type IdentityResolver interface {
	Resolve(r *http.Request) (domain.User, error)
}

// HeaderIdentity reads the identity the upstream auth gateway injected into
// request headers.
type HeaderIdentity struct{}

func (HeaderIdentity) Resolve(r *http.Request) (domain.User, error) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		return domain.User{}, ErrNoIdentity
	}

	name := r.Header.Get("X-User-Name")
	if name == "" {
		name = id
	}

	return domain.User{
		ID:    id,
		Name:  name,
		Email: r.Header.Get("X-User-Email"),
	}, nil
}
