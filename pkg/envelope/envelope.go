// Package envelope defines the ciphertext envelope stored in message and
// media records. All binary material crossing a document boundary travels
// base64-encoded; the IV is exactly 12 bytes before encoding.
package envelope

import (
	"encoding/base64"
	"fmt"
)

// IVSize is the required decoded IV length.
const IVSize = 12

// Envelope is the persisted representation of one encrypted payload.
// Immutable once created, one-to-one with a message or media record. For
// media, MimeType carries the display hint and BlobPath points at the
// ciphertext blob; text messages carry the ciphertext inline.
type Envelope struct {
	Ciphertext string `json:"ciphertext,omitempty"`
	IV         string `json:"iv"`
	MimeType   string `json:"mimeType,omitempty"`
	BlobPath   string `json:"blobPath,omitempty"`
}

// Seal builds an envelope from raw ciphertext and IV.
func Seal(ciphertext, iv []byte, mimeType string) Envelope {
	return Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
		MimeType:   mimeType,
	}
}

// SealDetached builds an envelope whose ciphertext lives outside the
// document, in the blob store at blobPath. Only the IV and MIME hint are
// stored inline.
func SealDetached(iv []byte, mimeType, blobPath string) Envelope {
	return Envelope{
		IV:       base64.StdEncoding.EncodeToString(iv),
		MimeType: mimeType,
		BlobPath: blobPath,
	}
}

// Open decodes the envelope back into raw ciphertext and IV, validating the
// IV length.
func (e Envelope) Open() (ciphertext, iv []byte, err error) {
	iv, err = e.DecodeIV()
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err = base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope: invalid ciphertext encoding: %w", err)
	}
	return ciphertext, iv, nil
}

// DecodeIV decodes and validates just the IV. Media envelopes keep their
// ciphertext in the blob store, so this is the only binary field they carry.
func (e Envelope) DecodeIV() ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(e.IV)
	if err != nil {
		return nil, fmt.Errorf("envelope: invalid IV encoding: %w", err)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("envelope: invalid IV length: expected %d bytes, got %d", IVSize, len(iv))
	}
	return iv, nil
}

// HasIV reports whether the envelope carries an IV at all. Records written
// before encryption was introduced have none.
func (e Envelope) HasIV() bool {
	return e.IV != ""
}
