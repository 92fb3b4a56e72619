package comet

import (
	"net/http"
	"testing"

	"github.com/go-playground/assert/v2"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestClientAuth(t *testing.T) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": "client-1",
	})
	byJwt, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	auth := &ClientAuth{
		ByJwt: byJwt,
	}
	clientId, err := auth.ClientId()
	assert.Equal(t, err, nil)
	assert.Equal(t, clientId, "client-1")

	header := http.Header{}
	auth.apply(header)
	assert.Equal(t, header.Get("Authorization"), "Bearer "+byJwt)
}

func TestClientAuthEmpty(t *testing.T) {
	auth := &ClientAuth{}

	_, err := auth.ClientId()
	assert.NotEqual(t, err, nil)

	header := http.Header{}
	auth.apply(header)
	assert.Equal(t, header.Get("Authorization"), "")
}
