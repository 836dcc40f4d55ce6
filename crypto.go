package treekem

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/cisco/go-hpke"
	"github.com/cisco/go-tls-syntax"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/ed25519"
)

type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
)

func (cs CipherSuite) ValidForTLS() error {
	return validateEnum(cs,
		X25519_AES128GCM_SHA256_Ed25519,
		X25519_CHACHA20POLY1305_SHA256_Ed25519)
}

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	}
	return "UnknownCipherSuite"
}

type cipherConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
	HPKEKEM    hpke.KEMID
	HPKEKDF    hpke.KDFID
	HPKEAEAD   hpke.AEADID
}

func (cs CipherSuite) Constants() cipherConstants {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return cipherConstants{
			KeySize:    16,
			NonceSize:  12,
			SecretSize: 32,
			HPKEKEM:    hpke.DHKEM_X25519,
			HPKEKDF:    hpke.KDF_HKDF_SHA256,
			HPKEAEAD:   hpke.AEAD_AESGCM128,
		}
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return cipherConstants{
			KeySize:    32,
			NonceSize:  12,
			SecretSize: 32,
			HPKEKEM:    hpke.DHKEM_X25519,
			HPKEKDF:    hpke.KDF_HKDF_SHA256,
			HPKEAEAD:   hpke.AEAD_CHACHA20POLY1305,
		}
	}

	panic(fmt.Errorf("treekem.crypto: Unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) Scheme() SignatureScheme {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return Ed25519
	}

	panic(fmt.Errorf("treekem.crypto: Unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) Digest(data []byte) []byte {
	d := sha256.Sum256(data)
	return d[:]
}

func (cs CipherSuite) NewHMAC(key []byte) hash.Hash {
	return hmac.New(sha256.New, key)
}

func (cs CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return chacha20poly1305.New(key)
	}

	panic(fmt.Errorf("treekem.crypto: Unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) zero() []byte {
	return make([]byte, cs.Constants().SecretSize)
}

///
/// HKDF-based key derivation
///

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	mac := cs.NewHMAC(salt)
	mac.Write(ikm)
	return mac.Sum(nil)
}

func (cs CipherSuite) hkdfExpand(secret, info []byte, size int) []byte {
	last := []byte{}
	out := []byte{}
	for i := byte(1); len(out) < size; i += 1 {
		mac := cs.NewHMAC(secret)
		mac.Write(last)
		mac.Write(info)
		mac.Write([]byte{i})

		last = mac.Sum(nil)
		out = append(out, last...)
	}
	return out[:size]
}

type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=1"`
}

func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	mlsLabel := []byte("treekem10 " + label)
	labelData, err := syntax.Marshal(hkdfLabel{uint16(length), mlsLabel, context})
	if err != nil {
		panic(fmt.Errorf("treekem.crypto: hkdfLabel marshal failure %v", err))
	}
	return cs.hkdfExpand(secret, labelData, length)
}

func (cs CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	contextHash := cs.Digest(context)
	size := cs.Constants().SecretSize
	return cs.hkdfExpandLabel(secret, label, contextHash, size)
}

type applicationContext struct {
	Node       NodeIndex
	Generation uint32
}

func (cs CipherSuite) deriveAppSecret(secret []byte, label string, node NodeIndex, generation uint32, length int) []byte {
	ctx, err := syntax.Marshal(applicationContext{node, generation})
	if err != nil {
		panic(fmt.Errorf("treekem.crypto: applicationContext marshal failure %v", err))
	}
	return cs.hkdfExpandLabel(secret, label, ctx, length)
}

///
/// HPKE
///

type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return bytes.Equal(k.Data, o.Data)
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeInstance struct {
	BaseSuite hpke.CipherSuite
}

func (cs CipherSuite) hpke() hpkeInstance {
	cc := cs.Constants()
	suite, err := hpke.AssembleCipherSuite(cc.HPKEKEM, cc.HPKEKDF, cc.HPKEAEAD)
	if err != nil {
		panic(fmt.Errorf("treekem.crypto: Unable to construct HPKE ciphersuite %v", err))
	}
	return hpkeInstance{suite}
}

func (h hpkeInstance) Generate() (HPKEPrivateKey, error) {
	ikm := make([]byte, h.BaseSuite.KEM.PrivateKeySize())
	if _, err := rand.Read(ikm); err != nil {
		return HPKEPrivateKey{}, err
	}

	priv, pub, err := h.BaseSuite.KEM.DeriveKeyPair(ikm)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	key := HPKEPrivateKey{
		Data:      h.BaseSuite.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{h.BaseSuite.KEM.SerializePublicKey(pub)},
	}
	return key, nil
}

func (h hpkeInstance) Derive(seed []byte) (HPKEPrivateKey, error) {
	priv, pub, err := h.BaseSuite.KEM.DeriveKeyPair(seed)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	key := HPKEPrivateKey{
		Data:      h.BaseSuite.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{h.BaseSuite.KEM.SerializePublicKey(pub)},
	}
	return key, nil
}

func (h hpkeInstance) Encrypt(pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := h.BaseSuite.KEM.DeserializePublicKey(pub.Data)
	if err != nil {
		return HPKECiphertext{}, err
	}

	enc, ctx, err := hpke.SetupBaseS(h.BaseSuite, rand.Reader, pkR, nil)
	if err != nil {
		return HPKECiphertext{}, err
	}

	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{enc, ct}, nil
}

func (h hpkeInstance) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	skR, err := h.BaseSuite.KEM.DeserializePrivateKey(priv.Data)
	if err != nil {
		return nil, err
	}

	ctx, err := hpke.SetupBaseR(h.BaseSuite, skR, ct.KEMOutput, nil)
	if err != nil {
		return nil, err
	}

	return ctx.Open(aad, ct.Ciphertext)
}

// DeriveHPKEKeyPair deterministically derives an HPKE keypair from seed
// material.  Useful for reproducible trees and derivation vectors; normal
// key package creation draws from the system RNG instead.
func (cs CipherSuite) DeriveHPKEKeyPair(seed []byte) (HPKEPrivateKey, error) {
	return cs.hpke().Derive(seed)
}

///
/// Signing
///

type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (pub SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return bytes.Equal(pub.Data, o.Data)
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

type Signature struct {
	Data []byte `tls:"head=2"`
}

type SignatureScheme uint16

const (
	Ed25519 SignatureScheme = 0x0807
)

func (ss SignatureScheme) ValidForTLS() error {
	return validateEnum(ss, Ed25519)
}

func (ss SignatureScheme) String() string {
	if ss == Ed25519 {
		return "Ed25519"
	}
	return "UnknownSignatureScheme"
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	if ss != Ed25519 {
		return SignaturePrivateKey{}, fmt.Errorf("treekem.crypto: Unsupported signature scheme %04x", uint16(ss))
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SignaturePrivateKey{}, err
	}

	key := SignaturePrivateKey{
		Data:      priv,
		PublicKey: SignaturePublicKey{pub},
	}
	return key, nil
}

func (ss SignatureScheme) Derive(seed []byte) (SignaturePrivateKey, error) {
	if ss != Ed25519 {
		return SignaturePrivateKey{}, fmt.Errorf("treekem.crypto: Unsupported signature scheme %04x", uint16(ss))
	}

	digest := sha256.Sum256(seed)
	priv := ed25519.NewKeyFromSeed(digest[:])
	pub := priv.Public().(ed25519.PublicKey)

	key := SignaturePrivateKey{
		Data:      priv,
		PublicKey: SignaturePublicKey{pub},
	}
	return key, nil
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) (Signature, error) {
	if ss != Ed25519 {
		return Signature{}, fmt.Errorf("treekem.crypto: Unsupported signature scheme %04x", uint16(ss))
	}

	sig := ed25519.Sign(ed25519.PrivateKey(priv.Data), message)
	return Signature{sig}, nil
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message []byte, sig Signature) bool {
	if ss != Ed25519 {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(pub.Data), message, sig.Data)
}
