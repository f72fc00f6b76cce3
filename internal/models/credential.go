package models

import (
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Credential is a public-key credential enrolled for a user. Credential
// IDs are globally unique across all users. SignCount and LastUsedAt are
// the only fields that change after enrollment, and only through a
// successful assertion ceremony.
type Credential struct {
	ID              []byte                            `json:"id"`
	UserID          string                            `json:"userId"`
	PublicKey       []byte                            `json:"publicKey"`
	AttestationType string                            `json:"attestationType,omitempty"`
	Attestation     []byte                            `json:"attestation,omitempty"`
	SignCount       uint32                            `json:"signCount"`
	BackupEligible  bool                              `json:"backupEligible"`
	BackupState     bool                              `json:"backupState"`
	Attachment      protocol.AuthenticatorAttachment  `json:"attachment,omitempty"`
	Transports      []protocol.AuthenticatorTransport `json:"transports,omitempty"`
	AAGUID          []byte                            `json:"aaguid,omitempty"`
	CreatedAt       time.Time                         `json:"createdAt"`
	LastUsedAt      time.Time                         `json:"lastUsedAt,omitempty"`
}

// CredentialFromCeremony builds a Credential record from the library
// credential extracted by a verified registration ceremony.
func CredentialFromCeremony(userID string, wc *webauthn.Credential, attestation []byte, createdAt time.Time) *Credential {
	return &Credential{
		ID:              wc.ID,
		UserID:          userID,
		PublicKey:       wc.PublicKey,
		AttestationType: wc.AttestationType,
		Attestation:     attestation,
		SignCount:       wc.Authenticator.SignCount,
		BackupEligible:  wc.Flags.BackupEligible,
		BackupState:     wc.Flags.BackupState,
		Attachment:      wc.Authenticator.Attachment,
		Transports:      wc.Transport,
		AAGUID:          wc.Authenticator.AAGUID,
		CreatedAt:       createdAt,
	}
}

// ToWebAuthn converts the stored record back into the library's
// credential type for assertion verification.
func (c *Credential) ToWebAuthn() webauthn.Credential {
	return webauthn.Credential{
		ID:              c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       c.Transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:     c.AAGUID,
			SignCount:  c.SignCount,
			Attachment: c.Attachment,
		},
	}
}

// Descriptor returns the credential descriptor advertised to clients in
// allow/exclude lists.
func (c *Credential) Descriptor() protocol.CredentialDescriptor {
	return protocol.CredentialDescriptor{
		Type:         protocol.PublicKeyCredentialType,
		CredentialID: c.ID,
		Transport:    c.Transports,
	}
}
