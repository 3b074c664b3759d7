package interfaces

import "formbar/pkg/types"

// Authenticator resolves a bearer token into the principal it was issued to.
type Authenticator interface {
	ParseToken(token string) (types.Principal, error)
}
