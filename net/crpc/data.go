package crpc

import "strings"

type RequestHeader struct {
	Seq    uint64 `cbor:"1,keyasint,omitempty"`
	Method string `cbor:"2,keyasint,omitempty"`
}

type ResponseHeader struct {
	Seq uint64 `cbor:"1,keyasint,omitempty"`
	Err string `cbor:"2,keyasint,omitempty"`
}

// Error strings the server sends for requests it cannot route. The client maps them back to ErrMethodNotFound.
const (
	errPrefixNoService = "crpc: can't find service "
	errPrefixNoMethod  = "crpc: can't find method "
)

func isNotFound(msg string) bool {
	return strings.HasPrefix(msg, errPrefixNoService) || strings.HasPrefix(msg, errPrefixNoMethod)
}
