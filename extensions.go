package treekem

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type ExtensionType uint16

const (
	ExtensionTypeCapabilities ExtensionType = 0x0001
	ExtensionTypeLifetime     ExtensionType = 0x0002
)

type ExtensionBody interface {
	Type() ExtensionType
}

type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=2"`
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return err
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType != dst.Type() {
			continue
		}

		read, err := syntax.Unmarshal(ext.ExtensionData, dst)
		if err != nil {
			return true, err
		}

		if read != len(ext.ExtensionData) {
			return true, fmt.Errorf("%w: extension: trailing data", ErrDecode)
		}

		return true, nil
	}
	return false, nil
}

//////////

// CapabilitiesExtension advertises the versions and ciphersuites a member
// supports; consumed against GroupConfig.RequiredCapabilities.
type CapabilitiesExtension struct {
	Versions     []ProtocolVersion `tls:"head=1"`
	CipherSuites []CipherSuite     `tls:"head=1"`
	Extensions   []ExtensionType   `tls:"head=1"`
}

func (ce CapabilitiesExtension) Type() ExtensionType {
	return ExtensionTypeCapabilities
}

// LifetimeExtension bounds the validity window of a leaf key package,
// seconds since the UNIX epoch.
type LifetimeExtension struct {
	NotBefore uint64
	NotAfter  uint64
}

func (le LifetimeExtension) Type() ExtensionType {
	return ExtensionTypeLifetime
}
