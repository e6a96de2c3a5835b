package directory

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
)

var errNoEnode = errors.New("missing enode descriptor")

// PeerIdentity extracts the node public key from an enode:// descriptor and
// returns it as 128 lowercase hex characters. The key must be a valid
// secp256k1 point. The host part is not resolved.
func PeerIdentity(descriptor string) (string, error) {
	descriptor = strings.TrimSpace(descriptor)
	if descriptor == "" {
		return "", errNoEnode
	}
	u, err := url.Parse(descriptor)
	if err != nil {
		return "", fmt.Errorf("parse enode: %w", err)
	}
	if u.Scheme != "enode" {
		return "", fmt.Errorf("parse enode: unexpected scheme %q", u.Scheme)
	}
	if u.User == nil {
		return "", errors.New("parse enode: missing node id")
	}
	id := u.User.Username()
	if len(id) != 128 {
		return "", fmt.Errorf("parse enode: node id has %d characters, want 128", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		return "", fmt.Errorf("parse enode: %w", err)
	}
	node, err := enode.ParseV4("enode://" + id)
	if err != nil {
		return "", fmt.Errorf("parse enode: %w", err)
	}
	return hex.EncodeToString(crypto.FromECDSAPub(node.Pubkey())[1:]), nil
}

// RemoteIP picks the address geo lookups should use: the host of
// network.remoteAddress when present, otherwise the enode host if it is an IP.
func RemoteIP(remoteAddress, descriptor string) string {
	if ip := hostIP(remoteAddress); ip != "" {
		return ip
	}
	u, err := url.Parse(strings.TrimSpace(descriptor))
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil {
		return ip.String()
	}
	return ""
}

func hostIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}
