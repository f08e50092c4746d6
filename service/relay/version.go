package relay

import (
	"fmt"
	"net/http"

	"github.com/hashicorp/go-version"
)

// ProtocolVersion is the version of the relay service contracts.
const ProtocolVersion = "1.0.0"

// VersionHeader carries the protocol version in the websocket handshake.
const VersionHeader = "X-Portgate-Relay-Version"

var compatibleVersions = version.MustConstraints(version.NewConstraint("~> 1.0"))

func checkVersion(h http.Header) error {
	raw := h.Get(VersionHeader)
	if raw == "" {
		return fmt.Errorf("%w: peer did not send a version", ErrIncompatible)
	}
	v, err := version.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIncompatible, err)
	}
	if !compatibleVersions.Check(v) {
		return fmt.Errorf("%w: peer speaks %s, need %s", ErrIncompatible, v, compatibleVersions)
	}
	return nil
}

func versionHeader() http.Header {
	h := make(http.Header)
	h.Set(VersionHeader, ProtocolVersion)
	return h
}
