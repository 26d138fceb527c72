package host

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/crypto/chacha20poly1305"
)

// kmsClient wraps the AWS KMS SDK to unwrap the host's at-rest data
// encryption key, generalizing the teacher's signer-key unwrap
// (internal/kms/client.go) to protect HostTxStore/HostResultStore instead
// of a signing key.
type kmsClient struct {
	kms *kms.Client
}

func newKMSClient(ctx context.Context, region, localEndpoint string) (*kmsClient, error) {
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if localEndpoint != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("host: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localEndpoint)
		})
	}

	return &kmsClient{kms: kms.NewFromConfig(cfg, kmsOpts...)}, nil
}

func (c *kmsClient) decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := c.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("host: kms decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// DataEncryptionKey is the host's at-rest key for HostTxStore and
// HostResultStore entries, unwrapped once at startup and held for the
// process lifetime. The wrapped form lives in host.toml / the environment;
// only KMS can recover the plaintext key.
type DataEncryptionKey struct {
	Key [32]byte
}

// UnwrapDataEncryptionKey calls KMS to decrypt wrappedKey into the host's
// 32-byte data encryption key. Spec.md treats SQLite durability as opaque
// and says nothing about at-rest confidentiality; this protects the tx
// graph and per-user result ciphertexts the host otherwise holds in the
// clear, the same way the teacher protects its signer's private key.
func UnwrapDataEncryptionKey(ctx context.Context, cfg *Config, wrappedKey []byte) (DataEncryptionKey, error) {
	client, err := newKMSClient(ctx, cfg.AWSRegion, cfg.LocalKMSEndpoint)
	if err != nil {
		return DataEncryptionKey{}, err
	}

	plaintext, err := client.decrypt(ctx, wrappedKey)
	if err != nil {
		return DataEncryptionKey{}, err
	}
	if len(plaintext) != 32 {
		return DataEncryptionKey{}, fmt.Errorf("host: unwrapped data encryption key is %d bytes, want 32", len(plaintext))
	}

	var dek DataEncryptionKey
	copy(dek.Key[:], plaintext)
	return dek, nil
}

// Seal encrypts plaintext under the data encryption key with a fresh
// random nonce, prefixed to the returned ciphertext. Unlike the session
// tunnel's deterministic sequence-number nonces, at-rest rows have no
// natural counter to derive one from.
func (k DataEncryptionKey) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k.Key[:])
	if err != nil {
		return nil, fmt.Errorf("host: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("host: random nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext produced by Seal.
func (k DataEncryptionKey) Open(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k.Key[:])
	if err != nil {
		return nil, fmt.Errorf("host: new aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("host: at-rest ciphertext shorter than nonce")
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("host: at-rest decrypt: %w", err)
	}
	return plaintext, nil
}
