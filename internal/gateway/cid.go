package gateway

import (
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"
)

// ContentAddress derives a CIDv1 (raw codec, blake2b-256) for data.
func ContentAddress(data []byte) (string, error) {
	digest := blake2b.Sum256(data)
	encoded, err := mh.Encode(digest[:], mh.BLAKE2B_MIN+31)
	if err != nil {
		return "", xerrors.Errorf("encoding multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh.Multihash(encoded)).String(), nil
}

// ParseContentAddress validates a content address produced by ContentAddress.
func ParseContentAddress(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, xerrors.Errorf("invalid content address %q: %w", s, err)
	}
	return c, nil
}
