package treekem

import (
	"fmt"
)

///
/// Wire format policy
///

// WireFormat distinguishes the outer framing of a group message.
type WireFormat uint16

const (
	WireFormatPublicMessage  WireFormat = 0x0001
	WireFormatPrivateMessage WireFormat = 0x0002
)

func (wf WireFormat) ValidForTLS() error {
	return validateEnum(wf, WireFormatPublicMessage, WireFormatPrivateMessage)
}

func (wf WireFormat) String() string {
	switch wf {
	case WireFormatPublicMessage:
		return "PublicMessage"
	case WireFormatPrivateMessage:
		return "PrivateMessage"
	default:
		return fmt.Sprintf("WireFormat(%04x)", uint16(wf))
	}
}

// IncomingWireFormatPolicy says which framings a member accepts.
type IncomingWireFormatPolicy uint8

const (
	IncomingAlwaysCiphertext IncomingWireFormatPolicy = 0
	IncomingAlwaysPlaintext  IncomingWireFormatPolicy = 1
	IncomingMixed            IncomingWireFormatPolicy = 2
)

func (p IncomingWireFormatPolicy) Accepts(wf WireFormat) bool {
	switch p {
	case IncomingAlwaysCiphertext:
		return wf == WireFormatPrivateMessage
	case IncomingAlwaysPlaintext:
		return wf == WireFormatPublicMessage
	case IncomingMixed:
		return wf == WireFormatPublicMessage || wf == WireFormatPrivateMessage
	default:
		return false
	}
}

// OutgoingWireFormatPolicy says which framing a member produces.
type OutgoingWireFormatPolicy uint8

const (
	OutgoingAlwaysCiphertext OutgoingWireFormatPolicy = 0
	OutgoingAlwaysPlaintext  OutgoingWireFormatPolicy = 1
)

func (p OutgoingWireFormatPolicy) WireFormat() WireFormat {
	switch p {
	case OutgoingAlwaysCiphertext:
		return WireFormatPrivateMessage
	case OutgoingAlwaysPlaintext:
		return WireFormatPublicMessage
	default:
		panic(fmt.Errorf("treekem.config: invalid outgoing policy %d", p))
	}
}

// WireFormatPolicy pairs the two directions.  A group whose members hold
// incompatible policies can deadlock, so compatibility is checked before
// a policy is adopted.
type WireFormatPolicy struct {
	Outgoing OutgoingWireFormatPolicy
	Incoming IncomingWireFormatPolicy
}

var (
	PolicyCiphertextOnly  = WireFormatPolicy{OutgoingAlwaysCiphertext, IncomingAlwaysCiphertext}
	PolicyPlaintextOnly   = WireFormatPolicy{OutgoingAlwaysPlaintext, IncomingAlwaysPlaintext}
	PolicyMixedCiphertext = WireFormatPolicy{OutgoingAlwaysCiphertext, IncomingMixed}
	PolicyMixedPlaintext  = WireFormatPolicy{OutgoingAlwaysPlaintext, IncomingMixed}
)

// IsCompatibleWith reports whether a message produced under p will be
// accepted under o, and vice versa.
func (p WireFormatPolicy) IsCompatibleWith(o WireFormatPolicy) bool {
	return o.Incoming.Accepts(p.Outgoing.WireFormat()) &&
		p.Incoming.Accepts(o.Outgoing.WireFormat())
}

///
/// Sender ratchet configuration
///

// SenderRatchetConfiguration bounds how far a receiving ratchet is willing
// to move for a single message.  OutOfOrderTolerance is how many past
// generations stay cached for late arrivals; MaximumForwardDistance is how
// many generations ahead of the chain head a message may claim before it
// is rejected outright.
type SenderRatchetConfiguration struct {
	OutOfOrderTolerance    uint32
	MaximumForwardDistance uint32
}

// DefaultSenderRatchetConfiguration tolerates modest reordering without
// letting a hostile generation counter spin the chain indefinitely.
func DefaultSenderRatchetConfiguration() SenderRatchetConfiguration {
	return SenderRatchetConfiguration{
		OutOfOrderTolerance:    5,
		MaximumForwardDistance: 1000,
	}
}

///
/// Group configuration
///

// RequiredCapabilities lists the extensions and credential types every
// member's key package must advertise support for.
type RequiredCapabilities struct {
	Extensions      []ExtensionType  `tls:"head=1"`
	CredentialTypes []CredentialType `tls:"head=1"`
}

// ExternalSender identifies a party outside the group whose signed
// proposals members will accept.
type ExternalSender struct {
	PublicKey  SignaturePublicKey
	Credential Credential
}

// GroupConfig collects the per-group operational knobs.  It is assembled
// through NewGroupConfigBuilder so defaults stay in one place.
type GroupConfig struct {
	CipherSuite             CipherSuite
	WireFormatPolicy        WireFormatPolicy
	PaddingSize             int
	MaxPastEpochs           uint64
	NumberOfResumptionPSKs  int
	UseRatchetTreeExtension bool
	SenderRatchet           SenderRatchetConfiguration
	RequiredCapabilities    RequiredCapabilities
	ExternalSenders         []ExternalSender
	Lifetime                LifetimeExtension
}

type GroupConfigBuilder struct {
	config GroupConfig
}

func NewGroupConfigBuilder(suite CipherSuite) *GroupConfigBuilder {
	return &GroupConfigBuilder{config: GroupConfig{
		CipherSuite:      suite,
		WireFormatPolicy: PolicyCiphertextOnly,
		SenderRatchet:    DefaultSenderRatchetConfiguration(),
	}}
}

func (b *GroupConfigBuilder) WireFormatPolicy(p WireFormatPolicy) *GroupConfigBuilder {
	b.config.WireFormatPolicy = p
	return b
}

func (b *GroupConfigBuilder) PaddingSize(n int) *GroupConfigBuilder {
	b.config.PaddingSize = n
	return b
}

func (b *GroupConfigBuilder) MaxPastEpochs(n uint64) *GroupConfigBuilder {
	b.config.MaxPastEpochs = n
	return b
}

func (b *GroupConfigBuilder) NumberOfResumptionPSKs(n int) *GroupConfigBuilder {
	b.config.NumberOfResumptionPSKs = n
	return b
}

func (b *GroupConfigBuilder) UseRatchetTreeExtension(use bool) *GroupConfigBuilder {
	b.config.UseRatchetTreeExtension = use
	return b
}

func (b *GroupConfigBuilder) SenderRatchetConfiguration(c SenderRatchetConfiguration) *GroupConfigBuilder {
	b.config.SenderRatchet = c
	return b
}

func (b *GroupConfigBuilder) RequiredCapabilities(rc RequiredCapabilities) *GroupConfigBuilder {
	b.config.RequiredCapabilities = rc
	return b
}

func (b *GroupConfigBuilder) ExternalSenders(senders []ExternalSender) *GroupConfigBuilder {
	b.config.ExternalSenders = senders
	return b
}

func (b *GroupConfigBuilder) Lifetime(lt LifetimeExtension) *GroupConfigBuilder {
	b.config.Lifetime = lt
	return b
}

func (b *GroupConfigBuilder) Build() (GroupConfig, error) {
	if err := b.config.CipherSuite.ValidForTLS(); err != nil {
		return GroupConfig{}, fmt.Errorf("treekem.config: unsupported ciphersuite: %v", err)
	}
	if b.config.PaddingSize < 0 {
		return GroupConfig{}, fmt.Errorf("treekem.config: negative padding size")
	}
	return b.config, nil
}

// NewASTreeStore builds the epoch retention store this configuration
// prescribes.
func (c GroupConfig) NewASTreeStore() *ASTreeStore {
	return NewASTreeStore(c.MaxPastEpochs)
}

// NewASTree builds the application secret tree for one epoch under this
// configuration's sender ratchet policy.
func (c GroupConfig) NewASTree(applicationSecret []byte, size LeafCount) *ASTree {
	return NewASTree(c.CipherSuite, c.SenderRatchet, applicationSecret, size)
}
