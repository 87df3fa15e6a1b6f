package lsp

import (
	"net/url"
	"path/filepath"
	"strings"
)

// LSP methods the proxy inspects or originates.
const (
	MethodExit          = "exit"
	MethodCancelRequest = "$/cancelRequest"

	MethodDidOpen   = "textDocument/didOpen"
	MethodDidChange = "textDocument/didChange"
	MethodDidClose  = "textDocument/didClose"

	MethodHover             = "textDocument/hover"
	MethodDefinition        = "textDocument/definition"
	MethodTypeDefinition    = "textDocument/typeDefinition"
	MethodImplementation    = "textDocument/implementation"
	MethodReferences        = "textDocument/references"
	MethodDocumentHighlight = "textDocument/documentHighlight"
	MethodSignatureHelp     = "textDocument/signatureHelp"
	MethodCompletion        = "textDocument/completion"

	MethodShowMessage  = "window/showMessage"
	MethodShowDocument = "window/showDocument"
)

// Lean server RPC methods carried over the backend connection.
const (
	MethodRPCConnect   = "$/lean/rpc/connect"
	MethodRPCKeepAlive = "$/lean/rpc/keepAlive"
	MethodRPCCall      = "$/lean/rpc/call"

	MethodInteractiveGoals = "Lean.Widget.getInteractiveGoals"
	MethodGoToLocation     = "Lean.Widget.getGoToLocation"
)

// DocumentURI turns a document reference into a URI. A reference that
// already carries a scheme is returned unchanged; anything else is a file
// path, made absolute against the working directory.
func DocumentURI(ref string) string {
	if ref == "" || hasScheme(ref) {
		return ref
	}
	if !filepath.IsAbs(ref) {
		if abs, err := filepath.Abs(ref); err == nil {
			ref = abs
		}
	}
	p := filepath.ToSlash(ref)
	if !strings.HasPrefix(p, "/") {
		// C:/x
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// DocumentPath returns the local path named by a file URI, or uri itself for
// any other scheme.
func DocumentPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return uri
	}
	p := u.Path
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p)
}

// hasScheme reports whether ref starts with a URI scheme. Single letters
// are drive names, not schemes.
func hasScheme(ref string) bool {
	i := strings.IndexByte(ref, ':')
	if i < 2 {
		return false
	}
	for j := 0; j < i; j++ {
		c := ref[j]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case j > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}
