package domain

import "time"

// RefreshToken is a stored refresh token issued by a linked provider.
// Token holds the envelope ciphertext, never the plaintext.
type RefreshToken struct {
	Token    string `json:"-"`
	JTI      string `json:"jti"`
	Username string `json:"username"`
	UserID   string `json:"userid"`
	IDP      string `json:"idp"`
	Expires  int64  `json:"expires"`
}

// ValidAt reports whether the token is still usable at now. A token that
// expires exactly at now is not valid.
func (t RefreshToken) ValidAt(now time.Time) bool {
	return t.Expires > now.Unix()
}
