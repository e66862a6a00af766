package github

import (
	"net/http"
	"testing"

	gogithub "github.com/google/go-github/v68/github"
	"github.com/ralph-fleet/ralphd/internal/hostclient"
	"github.com/stretchr/testify/require"
)

func TestSplitRepo(t *testing.T) {
	owner, name := splitRepo("acme/widgets")
	require.Equal(t, "acme", owner)
	require.Equal(t, "widgets", name)
}

func TestTranslateErr_RateLimitError(t *testing.T) {
	err := &gogithub.RateLimitError{Message: "rate limited"}
	translated := translateErr(err, nil)

	he, ok := translated.(*hostclient.Error)
	require.True(t, ok)
	require.Equal(t, hostclient.ErrKindRateLimit, he.Kind)
}

func TestTranslateErr_NilIsNil(t *testing.T) {
	require.Nil(t, translateErr(nil, nil))
}

func TestTranslateErr_NotFoundStatusMapsToKind(t *testing.T) {
	resp := &gogithub.Response{Response: &http.Response{StatusCode: http.StatusNotFound, Header: http.Header{}}}
	err := translateErr(&gogithub.ErrorResponse{Message: "not found"}, resp)

	he, ok := err.(*hostclient.Error)
	require.True(t, ok)
	require.Equal(t, hostclient.ErrKindNotFound, he.Kind)
	require.Equal(t, "not found", he.Message)
}
