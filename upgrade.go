package websock

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Upgrade holds the WebSocket parameters of a client's HTTP upgrade
// request.
type Upgrade struct {
	// Key is the Sec-WebSocket-Key value exactly as the client sent
	// it. It is never decoded; the accept key is computed over the
	// original bytes.
	Key string

	// Version is the Sec-WebSocket-Version value. Only "13" passes
	// recognition.
	Version string

	// Subprotocols lists the client's proposed subprotocols in
	// preference order, gathered across every Sec-WebSocket-Protocol
	// header line.
	Subprotocols []string
}

// ParseUpgrade recognizes a WebSocket upgrade offer from request
// headers alone.
//
// Header names are matched case insensitively no matter how the map
// was built, and token valued headers (Connection, Upgrade) match
// their tokens case insensitively as HTTP requires. It returns an
// error describing the first failed requirement: the Connection and
// Upgrade tokens, protocol version 13 and a nonempty key.
func ParseUpgrade(h http.Header) (*Upgrade, error) {
	h = foldedHeader(h)

	if !headerContainsToken(h, "Connection", "Upgrade") {
		return nil, fmt.Errorf("protocol violation: Connection header %q does not contain Upgrade", h.Get("Connection"))
	}

	if !headerContainsToken(h, "Upgrade", "websocket") {
		return nil, fmt.Errorf("protocol violation: Upgrade header %q does not contain websocket", h.Get("Upgrade"))
	}

	if v := h.Get("Sec-WebSocket-Version"); v != "13" {
		return nil, fmt.Errorf("unsupported protocol version (only 13 is supported): %q", v)
	}

	key := h.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, errors.New("protocol violation: missing Sec-WebSocket-Key")
	}

	return &Upgrade{
		Key:          key,
		Version:      h.Get("Sec-WebSocket-Version"),
		Subprotocols: splitSubprotocols(h),
	}, nil
}

// foldedHeader returns h with every key in canonical MIME form.
// Headers that came through net/http are already canonical and are
// returned as is.
func foldedHeader(h http.Header) http.Header {
	for k := range h {
		if k == textproto.CanonicalMIMEHeaderKey(k) {
			continue
		}

		fh := make(http.Header, len(h))
		for k, vs := range h {
			ck := textproto.CanonicalMIMEHeaderKey(k)
			fh[ck] = append(fh[ck], vs...)
		}
		return fh
	}
	return h
}

func headerContainsToken(h http.Header, key, token string) bool {
	key = textproto.CanonicalMIMEHeaderKey(key)
	return httpguts.HeaderValuesContainsToken(h[key], token)
}

func splitSubprotocols(h http.Header) []string {
	var protocols []string
	for _, v := range h["Sec-Websocket-Protocol"] {
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	return protocols
}

// AcceptOptions represents the options available to pass to Accept.
type AcceptOptions struct {
	// Subprotocols lists the websocket subprotocols that Accept will
	// negotiate with a client. The empty subprotocol will always be
	// negotiated as per RFC 6455. If you would like to reject it,
	// close the connection if c.Subprotocol() == "".
	Subprotocols []string

	// InsecureSkipVerify disables Accept's origin verification
	// behaviour. By default Accept only allows the handshake to
	// succeed if the javascript that is initiating the handshake is
	// on the same domain as the server. This is to prevent CSRF
	// attacks when secure data is stored in a cookie as there is no
	// same origin policy for WebSockets. In other words, javascript
	// from any domain can perform a WebSocket dial on an arbitrary
	// server. This dial will include cookies, which means the
	// arbitrary javascript can perform actions as the authenticated
	// user.
	//
	// See https://stackoverflow.com/a/37837709/4283659
	//
	// The only time you need this is if your javascript is running
	// on a different domain than your WebSocket server. Think
	// carefully about whether you really need this option before you
	// use it.
	InsecureSkipVerify bool

	// Policy bounds the resources of the accepted connection. The
	// zero value of each field means its documented default.
	Policy Policy
}

// Accept accepts a WebSocket handshake from a client and upgrades the
// connection to WebSocket.
//
// Accept will reject the handshake if the Origin domain is not the
// same as the Host unless the InsecureSkipVerify option is set. In
// other words, by default it does not allow cross origin requests.
//
// If an error occurs, Accept will always write an appropriate response
// so you do not have to.
func Accept(w http.ResponseWriter, r *http.Request, opts *AcceptOptions) (*Conn, error) {
	c, err := accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to accept websocket connection: %w", err)
	}
	return c, nil
}

func accept(w http.ResponseWriter, r *http.Request, opts *AcceptOptions) (*Conn, error) {
	if opts == nil {
		opts = &AcceptOptions{}
	}

	u, err := verifyClientRequest(w, r)
	if err != nil {
		return nil, err
	}

	if !opts.InsecureSkipVerify {
		err = authenticateOrigin(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return nil, err
		}
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		err = errors.New("passed ResponseWriter does not implement http.Hijacker")
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return nil, err
	}

	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", secWebSocketAccept(u.Key))

	subproto := selectSubprotocol(u, opts.Subprotocols)
	if subproto != "" {
		w.Header().Set("Sec-WebSocket-Protocol", subproto)
	}

	w.WriteHeader(http.StatusSwitchingProtocols)

	netConn, brw, err := hj.Hijack()
	if err != nil {
		err = fmt.Errorf("failed to hijack connection: %w", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil, err
	}

	// https://github.com/golang/go/issues/32314
	b, _ := brw.Reader.Peek(brw.Reader.Buffered())
	brw.Reader.Reset(io.MultiReader(bytes.NewReader(b), netConn))

	c := newConn(connConfig{
		subprotocol: w.Header().Get("Sec-WebSocket-Protocol"),
		rwc:         netConn,
		policy:      opts.Policy,
		br:          brw.Reader,
		bw:          brw.Writer,
	})
	c.state.Store(int64(StateOpen))

	return c, nil
}

func verifyClientRequest(w http.ResponseWriter, r *http.Request) (*Upgrade, error) {
	if !r.ProtoAtLeast(1, 1) {
		err := fmt.Errorf("protocol violation: handshake request must be at least HTTP/1.1: %q", r.Proto)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}

	if r.Method != "GET" {
		err := fmt.Errorf("protocol violation: handshake request method is not GET but %q", r.Method)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}

	u, err := ParseUpgrade(r.Header)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}

	return u, nil
}

// selectSubprotocol picks the first of the server's subprotocols that
// the client offered. The server's preference order wins.
func selectSubprotocol(u *Upgrade, subprotocols []string) string {
	for _, sp := range subprotocols {
		for _, cp := range u.Subprotocols {
			if strings.EqualFold(sp, cp) {
				return sp
			}
		}
	}
	return ""
}

var keyGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

func secWebSocketAccept(secWebSocketKey string) string {
	h := sha1.New()
	h.Write([]byte(secWebSocketKey))
	h.Write(keyGUID)

	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func authenticateOrigin(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("failed to parse Origin header %q: %w", origin, err)
	}
	if !strings.EqualFold(u.Host, r.Host) {
		return fmt.Errorf("request Origin %q is not authorized for Host %q", origin, r.Host)
	}
	return nil
}
