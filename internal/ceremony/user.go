package ceremony

import (
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/keygate/keygate/internal/models"
)

// ceremonyUser adapts identity records to the webauthn.User interface.
// During registration the account does not exist yet, so the adapter is
// built from the provisional id and email alone.
type ceremonyUser struct {
	id          []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

func newProvisionalUser(id, email string) *ceremonyUser {
	return &ceremonyUser{
		id:          []byte(id),
		name:        email,
		displayName: email,
	}
}

func newEnrolledUser(user *models.User, creds []*models.Credential) *ceremonyUser {
	u := &ceremonyUser{
		id:          []byte(user.ID),
		name:        user.Email,
		displayName: user.DisplayName,
		credentials: make([]webauthn.Credential, 0, len(creds)),
	}
	for _, cred := range creds {
		u.credentials = append(u.credentials, cred.ToWebAuthn())
	}
	return u
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return u.id
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.name
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.displayName
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}
