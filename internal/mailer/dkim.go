package mailer

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/vbmedia/packline/internal/config"
)

// Signer DKIM-signs outbound messages.
type Signer struct {
	options *dkim.SignOptions
}

// NewSigner loads the signing key and prepares sign options. Returns nil when
// DKIM is disabled.
func NewSigner(cfg config.DKIMConfig) (*Signer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	data, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read DKIM key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("DKIM key file is not PEM encoded")
	}

	var signer crypto.Signer
	switch block.Type {
	case "RSA PRIVATE KEY":
		signer, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		var key any
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			signer, ok = key.(crypto.Signer)
			if !ok {
				err = fmt.Errorf("unsupported key type %T", key)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse DKIM key: %w", err)
	}

	return &Signer{
		options: &dkim.SignOptions{
			Domain:   cfg.Domain,
			Selector: cfg.Selector,
			Signer:   signer,
			HeaderKeys: []string{
				"From", "To", "Subject", "Date", "Message-ID",
			},
		},
	}, nil
}

// Sign returns the message with a DKIM-Signature header prepended.
func (s *Signer) Sign(raw []byte) ([]byte, error) {
	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(raw), s.options); err != nil {
		return nil, err
	}
	return signed.Bytes(), nil
}
