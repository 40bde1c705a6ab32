package bing

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gokernel/internal/provider"
	"gokernel/internal/search"
)

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v7.0/search", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("Ocp-Apim-Subscription-Key"))
		assert.Equal(t, "site:go.dev generics", r.URL.Query().Get("q"))
		assert.Equal(t, "50", r.URL.Query().Get("count"))
		assert.Equal(t, "2", r.URL.Query().Get("offset"))
		_, _ = io.WriteString(w, `{"webPages":{"value":[
			{"name":"Generics","url":"https://go.dev/doc/tutorial/generics","snippet":"Tutorial"}
		]}}`)
	}))
	defer srv.Close()

	engine, err := New(srv.URL, "secret", srv.Client())
	require.NoError(t, err)

	results, err := engine.Search(context.Background(), "generics", search.Options{Count: 500, Offset: 2, Site: "go.dev"})
	require.NoError(t, err)
	assert.Equal(t, []search.Result{{Name: "Generics", URL: "https://go.dev/doc/tutorial/generics", Snippet: "Tutorial"}}, results)
}

func TestSearchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"code":"401","message":"Access denied"}}`)
	}))
	defer srv.Close()

	engine, err := New(srv.URL, "bad", srv.Client())
	require.NoError(t, err)

	_, err = engine.Search(context.Background(), "go", search.Options{})
	var apiErr *provider.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Access denied", apiErr.Message)

	_, err = engine.Search(context.Background(), "", search.Options{})
	assert.ErrorIs(t, err, search.ErrEmptyQuery)

	_, err = New("", "", srv.Client())
	assert.Error(t, err)
}
