// Package decryptor handles AES-128 decryption of HLS segments.
package decryptor

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/mohaanymo/hlsfetch/internal/models"
)

const keyCacheSize = 64

// ErrUnsupportedMethod is returned for EXT-X-KEY methods other than AES-128.
var ErrUnsupportedMethod = errors.New("unsupported encryption method")

// KeyFetcher retrieves raw key bytes over HTTP. Keys are cached by URI so
// every track of an asset shares one fetch.
type KeyFetcher struct {
	client  *http.Client
	headers map[string]string
	cache   *lru.Cache
}

// NewKeyFetcher creates a new key fetcher.
func NewKeyFetcher(client *http.Client, headers map[string]string) *KeyFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	cache, _ := lru.New(keyCacheSize)
	return &KeyFetcher{
		client:  client,
		headers: headers,
		cache:   cache,
	}
}

// FetchKey retrieves the decryption key from the given URI.
func (f *KeyFetcher) FetchKey(ctx context.Context, keyURI string) ([]byte, error) {
	if v, ok := f.cache.Get(keyURI); ok {
		return v.([]byte), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURI, nil)
	if err != nil {
		return nil, fmt.Errorf("create key request: %w", err)
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key fetch failed: HTTP %d", resp.StatusCode)
	}

	key, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("invalid key length: expected %d bytes, got %d", aes.BlockSize, len(key))
	}

	f.cache.Add(keyURI, key)
	return key, nil
}

// SegmentCipher decrypts the segments of one media playlist with its single key.
type SegmentCipher struct {
	block    cipher.Block
	iv       []byte
	sequence int
}

// NewSegmentCipher fetches the key described by desc and returns a cipher for
// it. keyURI must already be absolute. mediaSequence is the playlist's
// EXT-X-MEDIA-SEQUENCE, used for the IV when desc carries none.
// Every failure is a KindKeyFetch error: nothing can be decrypted without it.
func NewSegmentCipher(ctx context.Context, fetcher *KeyFetcher, desc *models.KeyDescriptor, mediaSequence int) (*SegmentCipher, error) {
	if desc == nil {
		return nil, models.Errorf(models.KindKeyFetch, "create cipher", "no key descriptor")
	}
	if !strings.EqualFold(desc.Method, models.KeyMethodAES128) {
		return nil, models.NewError(models.KindKeyFetch, "create cipher", fmt.Errorf("%w: %s", ErrUnsupportedMethod, desc.Method)).WithURL(desc.URI)
	}

	key, err := fetcher.FetchKey(ctx, desc.URI)
	if err != nil {
		return nil, models.NewError(models.KindKeyFetch, "fetch key", err).WithURL(desc.URI)
	}
	return NewSegmentCipherWithKey(key, desc.IV, mediaSequence)
}

// NewSegmentCipherWithKey builds a cipher from raw key bytes.
func NewSegmentCipherWithKey(key, iv []byte, mediaSequence int) (*SegmentCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, models.NewError(models.KindKeyFetch, "create cipher", err)
	}
	if len(iv) != 0 && len(iv) != aes.BlockSize {
		return nil, models.Errorf(models.KindKeyFetch, "create cipher", "invalid IV length %d", len(iv))
	}
	return &SegmentCipher{block: block, iv: iv, sequence: mediaSequence}, nil
}

// Decrypt decrypts the payload of the segment at index (0-based within the
// playlist) using AES-128-CBC and strips PKCS#7 padding.
func (c *SegmentCipher) Decrypt(index int, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d not a multiple of block size", len(data))
	}

	iv := c.iv
	if len(iv) == 0 {
		iv = SegmentIV(c.sequence + index)
	}

	decrypted := make([]byte, len(data))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(decrypted, data)

	return pkcs7Unpad(decrypted)
}

// SegmentIV creates a default IV from segment sequence number.
// RFC 8216: if no IV is specified, use the segment sequence number as a big-endian 128-bit value.
func SegmentIV(sequenceNumber int) []byte {
	iv := make([]byte, 16)
	// Big-endian representation of sequence number
	for i := 15; i >= 0 && sequenceNumber > 0; i-- {
		iv[i] = byte(sequenceNumber & 0xff)
		sequenceNumber >>= 8
	}
	return iv
}

// pkcs7Unpad removes PKCS7 padding from decrypted data. Bad padding means the
// key or IV does not match the content.
func pkcs7Unpad(data []byte) ([]byte, error) {
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid PKCS7 padding length %d", padLen)
	}
	for i := 0; i < padLen; i++ {
		if data[len(data)-1-i] != byte(padLen) {
			return nil, fmt.Errorf("invalid PKCS7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
