// Package websock implements the server side of the WebSocket wire
// protocol.
//
// See https://tools.ietf.org/html/rfc6455
//
// Use Accept to upgrade an incoming HTTP request and then ReadMessage
// and WriteMessage to exchange complete data messages. Fragmentation,
// masking, UTF-8 validation of text messages, pings and the close
// handshake are handled inside the connection; protocol violations
// tear the connection down with the status code the protocol assigns
// to them.
//
// The wire codec lives in internal/wsframe and can parse and encode
// frames independently of a live connection.
package websock
