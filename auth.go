package comet

import (
	"fmt"
	"net/http"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// BeforeSendFunc may mutate the outgoing headers in place immediately
// before every request, e.g. to inject an API key. It is a configuration
// seam with a no-op default.
type BeforeSendFunc = func(header http.Header)

// ClientAuth attaches a platform JWT to outgoing requests. Verification
// is delegated to the backend.
type ClientAuth struct {
	ByJwt string
}

// ClientId reads the client id from the unverified claims.
func (self *ClientAuth) ClientId() (string, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}

	claims := token.Claims.(gojwt.MapClaims)
	if clientId, ok := claims["client_id"].(string); ok {
		return clientId, nil
	}
	return "", nil
}

func (self *ClientAuth) apply(header http.Header) {
	if self.ByJwt != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", self.ByJwt))
	}
}
