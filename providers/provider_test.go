package providers_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/providers"
	"github.com/giantswarm/oauth2-server/providers/mock"
	"github.com/giantswarm/oauth2-server/server"
)

func TestChain(t *testing.T) {
	none := mock.NewAuthenticator(nil)
	alice := mock.NewAuthenticator(&server.User{ID: "alice"})
	bob := mock.NewAuthenticator(&server.User{ID: "bob"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	user, err := providers.Chain(none, alice, bob).Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.ID)
	assert.Equal(t, 1, none.Calls())
	assert.Equal(t, 0, bob.Calls())

	_, err = providers.Chain(none).Authenticate(req)
	assert.ErrorIs(t, err, server.ErrUnauthenticated)

	_, err = providers.Chain().Authenticate(req)
	assert.ErrorIs(t, err, server.ErrUnauthenticated)
}

func TestChain_StopsOnFailure(t *testing.T) {
	boom := errors.New("session store down")
	failing := providers.Func(func(*http.Request) (*server.User, error) { return nil, boom })
	alice := mock.NewAuthenticator(&server.User{ID: "alice"})

	_, err := providers.Chain(failing, alice).Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, alice.Calls())
}

func TestHeaderMock(t *testing.T) {
	a := mock.NewHeaderAuthenticator("X-User", "root")
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := a.Authenticate(req)
	assert.ErrorIs(t, err, server.ErrUnauthenticated)

	req.Header.Set("X-User", "root")
	user, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.True(t, user.IsAdmin())
}
