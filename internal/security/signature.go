package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

// SignatureFileName is the well-known signature file inside a plugin
// directory.
const SignatureFileName = "plugin.sig"

// Verifier checks plugin provenance: plugin.sig holds
// base64(RSA-SHA-256) over the concatenation of the manifest digest,
// the entry source digest, and the digest of every other source file
// in sorted path order.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier loads the PEM-encoded public key at path.
func NewVerifier(publicKeyPath string) (*Verifier, error) {
	key, err := loadPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}
	return &Verifier{publicKey: key}, nil
}

// Verify checks the signature file in pluginDir against the on-disk
// manifest and sources. A missing file is ErrSignatureMissing; a bad
// signature is ErrSignatureInvalid.
func (v *Verifier) Verify(pluginDir, entrySource string) error {
	sigB64, err := os.ReadFile(filepath.Join(pluginDir, SignatureFileName))
	if os.IsNotExist(err) {
		return secplugin.ErrSignatureMissing
	} else if err != nil {
		return fmt.Errorf("reading signature file: %w", err)
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(sigB64)))
	if err != nil {
		return fmt.Errorf("%w: malformed base64", secplugin.ErrSignatureInvalid)
	}

	digest, err := signingDigest(pluginDir, entrySource)
	if err != nil {
		return err
	}

	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, digest, sig); err != nil {
		return secplugin.ErrSignatureInvalid
	}
	return nil
}

// Signer produces plugin.sig files; used by operator tooling and by
// tests, never by the runtime's load path.
type Signer struct {
	privateKey *rsa.PrivateKey
}

// NewSigner loads the PEM-encoded PKCS#8 private key at path.
func NewSigner(privateKeyPath string) (*Signer, error) {
	key, err := loadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	return &Signer{privateKey: key}, nil
}

// NewSignerFromKey wraps an in-memory key.
func NewSignerFromKey(key *rsa.PrivateKey) *Signer {
	return &Signer{privateKey: key}
}

// Sign writes plugin.sig into pluginDir covering the manifest and
// sources as they currently exist on disk.
func (s *Signer) Sign(pluginDir, entrySource string) error {
	digest, err := signingDigest(pluginDir, entrySource)
	if err != nil {
		return err
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, digest)
	if err != nil {
		return fmt.Errorf("signing plugin: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(sig)
	return os.WriteFile(filepath.Join(pluginDir, SignatureFileName), []byte(encoded+"\n"), 0644)
}

// signingDigest computes SHA-256 over the concatenation of per-file
// SHA-256 digests: manifest first, then entry source, then every other
// source in sorted path order.
func signingDigest(pluginDir, entrySource string) ([]byte, error) {
	h := sha256.New()

	manifest, err := os.ReadFile(filepath.Join(pluginDir, "plugin.json"))
	if err != nil {
		return nil, fmt.Errorf("reading manifest for signing digest: %w", err)
	}
	mSum := sha256.Sum256(manifest)
	h.Write(mSum[:])

	sources, err := BundledSources(pluginDir, entrySource)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		data, err := os.ReadFile(filepath.Join(pluginDir, src))
		if err != nil {
			return nil, fmt.Errorf("reading source %s for signing digest: %w", src, err)
		}
		sum := sha256.Sum256(data)
		h.Write(sum[:])
	}

	return h.Sum(nil), nil
}

// ReadSignatureHex returns the plugin's signature as lowercase hex,
// for display in the plugin record; missing signature files are an
// error the caller may ignore when signatures are optional.
func ReadSignatureHex(pluginDir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(pluginDir, SignatureFileName))
	if err != nil {
		return "", err
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return "", fmt.Errorf("malformed signature file: %w", err)
	}
	return fmt.Sprintf("%x", sig), nil
}

// SourceHash returns the lowercase-hex SHA-256 of the entry source,
// the hash frozen into the plugin record at load.
func SourceHash(pluginDir, entrySource string) (string, error) {
	data, err := os.ReadFile(filepath.Join(pluginDir, entrySource))
	if err != nil {
		return "", fmt.Errorf("reading entry source: %w", err)
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum), nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key %s", path)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key %s is %T, want RSA", path, parsed)
	}
	return key, nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key %s", path)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key %s is %T, want RSA", path, parsed)
	}
	return key, nil
}

// GenerateKeyPair creates a fresh RSA key pair and writes both halves
// as PEM (PKCS#8 private, PKIX public), used by Initialize when no
// keys exist yet and signing is required.
func GenerateKeyPair(privateKeyPath, publicKeyPath string, bits int) error {
	if bits == 0 {
		bits = 2048
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("generating RSA key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshaling public key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0700); err != nil {
		return err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privateKeyPath, privPEM, 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(publicKeyPath), 0755); err != nil {
		return err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(publicKeyPath, pubPEM, 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}
