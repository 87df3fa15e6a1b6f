// Package lsp implements the wire layer shared by both sides of the proxy.
//
// It reads and writes Content-Length framed JSON-RPC messages, classifies
// frames without decoding them, and rewrites request identifiers in place so
// that every byte other than the id is forwarded exactly as received.
//
// # Framing
//
// Reader parses the LSP base protocol header (Content-Length is required,
// Content-Type and unknown headers are ignored). Outbox is an unbounded,
// order-preserving queue drained by one writer goroutine, so the router loop
// never blocks on a slow peer:
//
//	out := lsp.NewOutbox(stdout)
//	go out.Run(ctx)
//	out.Send(body)
//
// # Classification
//
// Parse returns a Message with its Kind (request, notification or response),
// method, raw id and raw params. WithID and WithCancelTarget replace ids using
// sjson, leaving the remaining bytes untouched.
package lsp
