package treekem

import (
	"fmt"
	"reflect"

	"github.com/cisco/go-tls-syntax"
)

type ProtocolVersion uint8

const (
	ProtocolVersionTK10 ProtocolVersion = 0x01
)

func (pv ProtocolVersion) ValidForTLS() error {
	return validateEnum(pv, ProtocolVersionTK10)
}

///
/// Credential
///

type CredentialType uint8

const (
	CredentialTypeBasic CredentialType = 0
)

func (ct CredentialType) ValidForTLS() error {
	return validateEnum(ct, CredentialTypeBasic)
}

// struct {
//     opaque identity<0..2^16-1>;
//     SignatureScheme algorithm;
//     SignaturePublicKey public_key;
// } BasicCredential;
type BasicCredential struct {
	Identity        []byte `tls:"head=2"`
	SignatureScheme SignatureScheme
	PublicKey       SignaturePublicKey
}

// Credential is a tagged variant; only the basic form is supported here.
// Identity verification beyond the signature check belongs to a
// collaborating component.
type Credential struct {
	Basic *BasicCredential
}

func NewBasicCredential(identity []byte, scheme SignatureScheme, pub SignaturePublicKey) Credential {
	return Credential{Basic: &BasicCredential{
		Identity:        identity,
		SignatureScheme: scheme,
		PublicKey:       pub,
	}}
}

func (c Credential) Type() CredentialType {
	if c.Basic != nil {
		return CredentialTypeBasic
	}
	panic("treekem.credential: Malformed credential")
}

func (c Credential) Scheme() SignatureScheme {
	return c.Basic.SignatureScheme
}

func (c Credential) PublicKey() *SignaturePublicKey {
	return &c.Basic.PublicKey
}

func (c Credential) Identity() []byte {
	return c.Basic.Identity
}

func (c Credential) Equals(o Credential) bool {
	return reflect.DeepEqual(c.Basic, o.Basic)
}

func (c Credential) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	err := s.Write(c.Type())
	if err == nil {
		err = s.Write(c.Basic)
	}
	if err != nil {
		return nil, fmt.Errorf("treekem.credential: Marshal failed: %v", err)
	}
	return s.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var rawType uint8
	_, err := s.Read(&rawType)
	if err != nil {
		return 0, fmt.Errorf("%w: credential: %v", ErrDecode, err)
	}

	switch CredentialType(rawType) {
	case CredentialTypeBasic:
		c.Basic = new(BasicCredential)
		_, err = s.Read(c.Basic)
	default:
		return 0, fmt.Errorf("%w: credential type %d", ErrUnknownVariant, rawType)
	}

	if err != nil {
		return 0, fmt.Errorf("%w: credential: %v", ErrDecode, err)
	}
	return s.Position(), nil
}

///
/// KeyPackage
///

// KeyPackage is the signed blob that occupies a leaf: the member's HPKE
// init key bound to its credential, with extensions.  The signature covers
// everything that precedes it.
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
	Extensions  ExtensionList
	Signature   Signature

	InitPrivateKey *HPKEPrivateKey `tls:"omit"`
}

func (kp KeyPackage) Equals(o KeyPackage) bool {
	return kp.Version == o.Version &&
		kp.CipherSuite == o.CipherSuite &&
		kp.InitKey.Equals(o.InitKey) &&
		kp.Credential.Equals(o.Credential)
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	enc, err := syntax.Marshal(struct {
		Version     ProtocolVersion
		CipherSuite CipherSuite
		InitKey     HPKEPublicKey
		Credential  Credential
		Extensions  ExtensionList
	}{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		Credential:  kp.Credential,
		Extensions:  kp.Extensions,
	})
	if err != nil {
		return nil, fmt.Errorf("treekem.keypackage: Marshal failed: %v", err)
	}
	return enc, nil
}

func (kp *KeyPackage) Sign(sigPriv SignaturePrivateKey) error {
	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	kp.Signature, err = kp.Credential.Scheme().Sign(&sigPriv, tbs)
	return err
}

func (kp KeyPackage) Verify() error {
	if kp.Credential.Scheme() != kp.CipherSuite.Scheme() {
		return fmt.Errorf("%w: scheme mismatch", ErrInvalidKeyPackage)
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	if !kp.Credential.Scheme().Verify(kp.Credential.PublicKey(), tbs, kp.Signature) {
		return fmt.Errorf("%w: invalid signature", ErrInvalidKeyPackage)
	}
	return nil
}

// SetExtensions replaces the extension set and invalidates the signature;
// the caller must re-sign.
func (kp *KeyPackage) SetExtensions(exts []ExtensionBody) error {
	for _, ext := range exts {
		if err := kp.Extensions.Add(ext); err != nil {
			return err
		}
	}
	kp.Signature = Signature{}
	return nil
}

// PrivateKey returns the HPKE private half when this key package was
// generated locally; the wire encoding never carries it.
func (kp KeyPackage) PrivateKey() (HPKEPrivateKey, bool) {
	if kp.InitPrivateKey == nil {
		return HPKEPrivateKey{}, false
	}
	return *kp.InitPrivateKey, true
}

func (kp *KeyPackage) SetPrivateKey(priv HPKEPrivateKey) {
	kp.InitPrivateKey = &priv
	kp.InitKey = priv.PublicKey
}

func NewKeyPackageWithInitKey(suite CipherSuite, initPriv HPKEPrivateKey, cred Credential, sigPriv SignaturePrivateKey) (*KeyPackage, error) {
	kp := &KeyPackage{
		Version:        ProtocolVersionTK10,
		CipherSuite:    suite,
		InitKey:        initPriv.PublicKey,
		Credential:     cred,
		InitPrivateKey: &initPriv,
	}

	err := kp.Extensions.Add(CapabilitiesExtension{
		Versions:     []ProtocolVersion{ProtocolVersionTK10},
		CipherSuites: []CipherSuite{suite},
	})
	if err != nil {
		return nil, err
	}

	err = kp.Sign(sigPriv)
	if err != nil {
		return nil, err
	}
	return kp, nil
}

func NewKeyPackage(suite CipherSuite, cred Credential, sigPriv SignaturePrivateKey) (*KeyPackage, error) {
	initPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, err
	}
	return NewKeyPackageWithInitKey(suite, initPriv, cred, sigPriv)
}
