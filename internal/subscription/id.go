package subscription

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

const aliasLength = 16

// TokenProvider issues activation-link tokens.
type TokenProvider interface {
	NewToken() string
}

// AliasProvider issues opaque subscriber aliases, unguessable from the
// principal identity they stand for.
type AliasProvider interface {
	NewAlias(principalID int64) string
}

type shortUUIDTokenProvider struct{}

// NewTokenProvider constructs a TokenProvider backed by shortuuid.
func NewTokenProvider() TokenProvider {
	return &shortUUIDTokenProvider{}
}

func (p *shortUUIDTokenProvider) NewToken() string {
	return shortuuid.New()
}

type hashAliasProvider struct{}

// NewAliasProvider constructs an AliasProvider that derives a hex alias from
// the principal id salted with a random UUID.
func NewAliasProvider() AliasProvider {
	return &hashAliasProvider{}
}

func (p *hashAliasProvider) NewAlias(principalID int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d_%s", principalID, uuid.NewString())))
	return hex.EncodeToString(sum[:])[:aliasLength]
}
