package orbit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-varint"

	"github.com/loykin/lunarpod/internal/process"
)

// ed25519-pub multicodec
const ed25519PubCodec = 0xed

// identity signs log entries.
type identity struct {
	id   string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func (i *identity) sign(b []byte) string {
	return hex.EncodeToString(ed25519.Sign(i.priv, b))
}

func verify(pubHex, sigHex string, b []byte) error {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New("invalid public key")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return errors.New("invalid signature encoding")
	}
	if !ed25519.Verify(pub, b, sig) {
		return errors.New("signature mismatch")
	}
	return nil
}

// DIDKey renders an ed25519 public key as a did:key identifier.
func DIDKey(pub ed25519.PublicKey) string {
	b := append(varint.ToUvarint(ed25519PubCodec), pub...)
	return "did:key:z" + base58.Encode(b)
}

// ParseDIDKey extracts the public key from a did:key identifier.
func ParseDIDKey(s string) (ed25519.PublicKey, error) {
	const prefix = "did:key:z"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return nil, fmt.Errorf("not a did:key: %q", s)
	}
	b, err := base58.Decode(s[len(prefix):])
	if err != nil {
		return nil, err
	}
	codec, n, err := varint.FromUvarint(b)
	if err != nil {
		return nil, err
	}
	if codec != ed25519PubCodec || len(b)-n != ed25519.PublicKeySize {
		return nil, errors.New("did:key is not an ed25519 key")
	}
	return ed25519.PublicKey(b[n:]), nil
}

// newIdentity builds the signing identity for the provider. The publickey
// provider keeps its key in the keystore table so it survives restarts when
// the keystore is on disk.
func newIdentity(ctx context.Context, db *sql.DB, id process.Identity) (*identity, error) {
	switch id.Provider {
	case process.IdentityDID:
		if len(id.Seed) == 0 {
			return nil, errors.New("did identity requires a seed")
		}
		seed := id.Seed
		if len(seed) != ed25519.SeedSize {
			sum := sha256.Sum256(seed)
			seed = sum[:]
		}
		priv := ed25519.NewKeyFromSeed(seed)
		pub := priv.Public().(ed25519.PublicKey)
		return &identity{id: DIDKey(pub), priv: priv, pub: pub}, nil
	case process.IdentityPublicKey, "":
		priv, err := loadKey(ctx, db)
		if err != nil {
			return nil, err
		}
		pub := priv.Public().(ed25519.PublicKey)
		return &identity{id: hex.EncodeToString(pub), priv: priv, pub: pub}, nil
	default:
		return nil, fmt.Errorf("unknown identity provider %q", id.Provider)
	}
}

func loadKey(ctx context.Context, db *sql.DB) (ed25519.PrivateKey, error) {
	var seed []byte
	err := db.QueryRowContext(ctx, `SELECT seed FROM keystore WHERE name = ?`, "identity").Scan(&seed)
	if err == nil && len(seed) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	seed = make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO keystore(name, seed) VALUES(?, ?)`, "identity", seed); err != nil {
		return nil, fmt.Errorf("write keystore: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
