package discovery

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/skip2/go-qrcode"
)

// InvitePrefix is the URL scheme for invites
const InvitePrefix = "dagswap://"

// DefaultInviteExpiry is how long invites are valid
const DefaultInviteExpiry = 24 * time.Hour

var (
	ErrInviteFormat    = errors.New("invalid invite format")
	ErrInviteExpired   = errors.New("invite expired")
	ErrInviteSignature = errors.New("invalid invite signature")
)

// Invite tells a peer where to fetch a DAG from. It is signed by the
// inviting host's identity key.
type Invite struct {
	PeerID    string   `json:"p"`
	Addresses []string `json:"a"`
	Root      string   `json:"r,omitempty"`
	PublicKey []byte   `json:"k"`
	CreatedAt int64    `json:"c"`
	ExpiresAt int64    `json:"e"`
	Signature []byte   `json:"s"`
}

// CreateInvite generates a signed invite for h. root may be cid.Undef.
func CreateInvite(h host.Host, root cid.Cid, expiry time.Duration) (*Invite, error) {
	privKey := h.Peerstore().PrivKey(h.ID())
	if privKey == nil {
		return nil, fmt.Errorf("no private key found")
	}
	return NewInvite(privKey, h.Addrs(), root, expiry)
}

// NewInvite signs an invite for the identity priv reachable at addrs
func NewInvite(priv crypto.PrivKey, addrs []multiaddr.Multiaddr, root cid.Cid, expiry time.Duration) (*Invite, error) {
	now := time.Now()

	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer ID: %w", err)
	}
	pubKeyBytes, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	// Keep at most two addresses so the QR code stays small
	addrStrs := make([]string, 0, 2)
	for _, a := range addrs {
		if multiaddrIsLoopback(a) {
			continue
		}
		addrStrs = append(addrStrs, a.String())
		if len(addrStrs) >= 2 {
			break
		}
	}
	if len(addrStrs) == 0 && len(addrs) > 0 {
		addrStrs = append(addrStrs, addrs[0].String())
	}

	inv := &Invite{
		PeerID:    id.String(),
		Addresses: addrStrs,
		PublicKey: pubKeyBytes,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(expiry).Unix(),
	}
	if root.Defined() {
		inv.Root = root.String()
	}

	sig, err := priv.Sign(inv.signableData())
	if err != nil {
		return nil, fmt.Errorf("failed to sign invite: %w", err)
	}
	inv.Signature = sig
	return inv, nil
}

func multiaddrIsLoopback(a multiaddr.Multiaddr) bool {
	for _, code := range []int{multiaddr.P_IP4, multiaddr.P_IP6} {
		if v, err := a.ValueForProtocol(code); err == nil {
			return v == "127.0.0.1" || v == "::1"
		}
	}
	return false
}

func (i *Invite) signableData() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%d",
		i.PeerID,
		strings.Join(i.Addresses, ","),
		i.Root,
		i.CreatedAt,
		i.ExpiresAt,
	))
}

// Encode serializes the invite to a compact string
func (i *Invite) Encode() (string, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return "", err
	}
	return InvitePrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// ToQR renders the encoded invite as a PNG
func (i *Invite) ToQR(size int) ([]byte, error) {
	code, err := i.Encode()
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(code, qrcode.Low, size)
}

// ToQRString renders the encoded invite for a terminal
func (i *Invite) ToQRString() (string, error) {
	code, err := i.Encode()
	if err != nil {
		return "", err
	}
	qr, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}

// ParseInvite decodes an invite and checks its expiry and signature
func ParseInvite(s string) (*Invite, error) {
	if !strings.HasPrefix(s, InvitePrefix) {
		return nil, fmt.Errorf("%w: missing prefix", ErrInviteFormat)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, InvitePrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInviteFormat, err)
	}

	var inv Invite
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInviteFormat, err)
	}
	if inv.IsExpired() {
		return nil, ErrInviteExpired
	}

	pubKey, err := crypto.UnmarshalPublicKey(inv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	valid, err := pubKey.Verify(inv.signableData(), inv.Signature)
	if err != nil || !valid {
		return nil, ErrInviteSignature
	}

	derivedID, err := peer.IDFromPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer ID: %w", err)
	}
	if derivedID.String() != inv.PeerID {
		return nil, fmt.Errorf("%w: peer ID mismatch", ErrInviteSignature)
	}
	return &inv, nil
}

// AddrInfo returns the inviting peer and its addresses
func (i *Invite) AddrInfo() (peer.AddrInfo, error) {
	id, err := peer.Decode(i.PeerID)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("invalid peer ID: %w", err)
	}
	info := peer.AddrInfo{ID: id}
	for _, s := range i.Addresses {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("invalid address %s: %w", s, err)
		}
		info.Addrs = append(info.Addrs, ma)
	}
	return info, nil
}

// RootCid returns the DAG root the invite points at, or cid.Undef
func (i *Invite) RootCid() (cid.Cid, error) {
	if i.Root == "" {
		return cid.Undef, nil
	}
	return cid.Decode(i.Root)
}

// IsExpired returns true if the invite has expired
func (i *Invite) IsExpired() bool {
	return time.Now().Unix() > i.ExpiresAt
}

// ExpiresIn returns the duration until the invite expires
func (i *Invite) ExpiresIn() time.Duration {
	return time.Until(time.Unix(i.ExpiresAt, 0))
}
