// Package wstest provides an in process server harness for tests.
package wstest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/wsforge/websock"
)

// Serve starts a test server that accepts every websocket upgrade it
// receives and hands the connection to fn. Each accept failure or fn
// result is delivered on the returned channel. The cleanup function
// stops the server.
func Serve(opts *websock.AcceptOptions, fn func(context.Context, *websock.Conn) error) (u string, errs <-chan error, cleanup func()) {
	ch := make(chan error, 16)

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websock.Accept(w, r, opts)
		if err != nil {
			ch <- err
			return
		}
		defer c.CloseNow()

		ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
		defer cancel()

		ch <- fn(ctx, c)
	}))

	return URL(s), ch, s.Close
}
