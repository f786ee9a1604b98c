package facades

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"github.com/google/uuid"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// CryptoFacade implements secplugin.CryptoFacade. Ungated: every
// sandbox gets one regardless of granted permissions.
type CryptoFacade struct {
	pluginID string
}

// NewCryptoFacade builds the ungated crypto facade for one plugin.
func NewCryptoFacade(pluginID string) *CryptoFacade {
	return &CryptoFacade{pluginID: pluginID}
}

func (c *CryptoFacade) SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func (c *CryptoFacade) SHA512(data []byte) []byte {
	sum := sha512.Sum512(data)
	return sum[:]
}

const maxRandomBytes = 1024

func (c *CryptoFacade) RandomBytes(n int) ([]byte, error) {
	if n < 0 || n > maxRandomBytes {
		return nil, secplugin.NewRuntimeError(secplugin.KindCapabilityViolation, c.pluginID,
			fmt.Sprintf("random_bytes: n=%d exceeds maximum %d", n, maxRandomBytes), nil)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, secplugin.NewRuntimeError(secplugin.KindPluginError, c.pluginID, "random_bytes failed", err)
	}
	return buf, nil
}

func (c *CryptoFacade) UUIDv4() string {
	return uuid.New().String()
}
