package testutil

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/paul/nostr-activity/pkg/event"
)

// KeyPair represents a Nostr keypair for testing
type KeyPair struct {
	PrivateKey *btcec.PrivateKey
	PublicKey  *btcec.PublicKey
	PubKeyHex  string
}

// GenerateKeyPair generates a new keypair for testing
func GenerateKeyPair() (*KeyPair, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	pubKey := privKey.PubKey()
	// Nostr uses Schnorr x-only pubkeys (32 bytes - BIP-340)
	pubKeyBytes := schnorr.SerializePubKey(pubKey)

	return &KeyPair{
		PrivateKey: privKey,
		PublicKey:  pubKey,
		PubKeyHex:  hex.EncodeToString(pubKeyBytes),
	}, nil
}

// MustGenerateKeyPair generates a keypair or panics (for test convenience)
func MustGenerateKeyPair() *KeyPair {
	kp, err := GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return kp
}

// Npub returns the NIP-19 encoding of the public key.
func (kp *KeyPair) Npub() string {
	npub, err := nip19.EncodePublicKey(kp.PubKeyHex)
	if err != nil {
		panic(fmt.Sprintf("encode npub: %v", err))
	}
	return npub
}

// SignEvent sets pubkey, id and sig on evt.
func (kp *KeyPair) SignEvent(evt *event.Event) error {
	evt.PubKey = kp.PubKeyHex

	id, err := evt.ComputeID()
	if err != nil {
		return err
	}
	evt.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return err
	}

	sig, err := schnorr.Sign(kp.PrivateKey, idBytes)
	if err != nil {
		return err
	}

	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}
