package exchange

import (
	"os"
	"strings"
)

// Credentials is a public/private API key pair.
type Credentials struct {
	PublicKey  string
	PrivateKey string
}

func (c Credentials) Empty() bool {
	return c.PublicKey == "" || c.PrivateKey == ""
}

// LoadCredentials reads {NAME}_PUBLIC_KEY and {NAME}_PRIVATE_KEY.
func LoadCredentials(exchange string) (Credentials, error) {
	prefix := strings.ToUpper(exchange)
	creds := Credentials{
		PublicKey:  strings.TrimSpace(os.Getenv(prefix + "_PUBLIC_KEY")),
		PrivateKey: strings.TrimSpace(os.Getenv(prefix + "_PRIVATE_KEY")),
	}
	if creds.Empty() {
		return Credentials{}, &MissingAPIKeyError{Exchange: exchange}
	}
	return creds, nil
}
