package store

import (
	"fmt"
	"os"
	"strings"

	"github.com/fernet/fernet-go"
)

// loadKey reads the fernet key, generating one on first use.
func (d *DB) loadKey() (*fernet.Key, error) {
	if d.key != nil {
		return d.key, nil
	}
	if d.opts.EncryptionKeyFile == "" {
		return nil, fmt.Errorf("encryption requested without a key file")
	}
	data, err := os.ReadFile(d.opts.EncryptionKeyFile)
	if os.IsNotExist(err) {
		var key fernet.Key
		if err := key.Generate(); err != nil {
			return nil, fmt.Errorf("generating encryption key: %w", err)
		}
		if err := os.WriteFile(d.opts.EncryptionKeyFile, []byte(key.Encode()), 0o600); err != nil {
			return nil, fmt.Errorf("saving encryption key: %w", err)
		}
		d.key = &key
		return d.key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading encryption key: %w", err)
	}
	key, err := fernet.DecodeKey(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	d.key = key
	return d.key, nil
}

// encryptLines joins the content into one fernet token line.
func (d *DB) encryptLines(lines []string) ([]string, error) {
	key, err := d.loadKey()
	if err != nil {
		return nil, err
	}
	token, err := fernet.EncryptAndSign([]byte(strings.Join(lines, "\n")), key)
	if err != nil {
		return nil, fmt.Errorf("encrypting content: %w", err)
	}
	return []string{string(token)}, nil
}

// EncryptLines exposes content encryption for the directory sync, which
// writes encrypted node files when the repository is marked encrypted.
func (d *DB) EncryptLines(lines []string) ([]string, error) { return d.encryptLines(lines) }

// DecryptLines reverses EncryptLines.
func (d *DB) DecryptLines(lines []string) ([]string, error) { return d.decryptLines(lines) }

// decryptLines reverses encryptLines.
func (d *DB) decryptLines(encrypted []string) ([]string, error) {
	key, err := d.loadKey()
	if err != nil {
		return nil, err
	}
	if len(encrypted) != 1 {
		return nil, fmt.Errorf("encrypted content must be a single token line, got %d lines", len(encrypted))
	}
	plain := fernet.VerifyAndDecrypt([]byte(encrypted[0]), 0, []*fernet.Key{key})
	if plain == nil {
		return nil, fmt.Errorf("decrypting content: token verification failed")
	}
	return strings.Split(string(plain), "\n"), nil
}
