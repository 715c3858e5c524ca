package encryption

import (
	"encoding/binary"
	"fmt"

	"secure-storage/internal/constants"
	"secure-storage/internal/errkind"
)

// 線路格式：[versionTag u32 big-endian][nonce 12 bytes][ciphertext || tag 16 bytes]
const (
	VersionTagSize = 4
	NonceSize      = constants.GCMNonceSize
	TagSize        = constants.GCMTagSize
	HeaderSize     = VersionTagSize + NonceSize
	MinPayloadSize = HeaderSize + TagSize
)

var (
	// ErrMalformedPayload payload 長度或結構不正確
	ErrMalformedPayload = errkind.New(errkind.Format, "malformed encrypted payload")
	// ErrTamperedOrWrongKey 認證標籤驗證失敗：資料被竄改、AAD 錯誤或金鑰錯誤
	ErrTamperedOrWrongKey = errkind.New(errkind.Integrity, "payload tampered or wrong key")
	// ErrUnknownKeyVersion payload 引用的金鑰版本已不存在
	ErrUnknownKeyVersion = errkind.New(errkind.Integrity, "unknown key version")
)

// Payload 加密後的資料
type Payload struct {
	Version    uint32
	Nonce      [NonceSize]byte
	Ciphertext []byte // 含 16 bytes 認證標籤
}

// MarshalBinary 編碼為線路格式
func (p *Payload) MarshalBinary() ([]byte, error) {
	if len(p.Ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrMalformedPayload)
	}
	out := make([]byte, HeaderSize+len(p.Ciphertext))
	binary.BigEndian.PutUint32(out[:VersionTagSize], p.Version)
	copy(out[VersionTagSize:HeaderSize], p.Nonce[:])
	copy(out[HeaderSize:], p.Ciphertext)
	return out, nil
}

// ParsePayload 解析線路格式，不做任何密碼運算
func ParsePayload(data []byte) (*Payload, error) {
	if len(data) < MinPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPayload, len(data), MinPayloadSize)
	}
	p := &Payload{
		Version:    binary.BigEndian.Uint32(data[:VersionTagSize]),
		Ciphertext: make([]byte, len(data)-HeaderSize),
	}
	copy(p.Nonce[:], data[VersionTagSize:HeaderSize])
	copy(p.Ciphertext, data[HeaderSize:])
	return p, nil
}
