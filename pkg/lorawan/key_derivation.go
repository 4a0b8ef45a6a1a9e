package lorawan

import (
	"crypto/aes"
)

// DeriveSessionKeys10 derives session keys according to LoRaWAN 1.0.x spec.
// 终端和服务器使用相同的推导，两侧共用本函数。
func DeriveSessionKeys10(appKey []byte, appNonce [3]byte, netID [3]byte, devNonce DevNonce) (nwkSKey, appSKey AES128Key, err error) {
	block, err := aes.NewCipher(appKey)
	if err != nil {
		return nwkSKey, appSKey, err
	}

	// NwkSKey = aes128_encrypt(AppKey, 0x01 | AppNonce | NetID | DevNonce | pad16)
	nwkSKeyMsg := make([]byte, 16)
	nwkSKeyMsg[0] = 0x01
	copy(nwkSKeyMsg[1:4], appNonce[:])
	copy(nwkSKeyMsg[4:7], netID[:])
	copy(nwkSKeyMsg[7:9], devNonce[:])
	block.Encrypt(nwkSKey[:], nwkSKeyMsg)

	// AppSKey = aes128_encrypt(AppKey, 0x02 | AppNonce | NetID | DevNonce | pad16)
	appSKeyMsg := make([]byte, 16)
	appSKeyMsg[0] = 0x02
	copy(appSKeyMsg[1:4], appNonce[:])
	copy(appSKeyMsg[4:7], netID[:])
	copy(appSKeyMsg[7:9], devNonce[:])
	block.Encrypt(appSKey[:], appSKeyMsg)

	return nwkSKey, appSKey, nil
}

// EncryptJoinAccept encrypts join accept payload.
// Note: uses AES Decrypt for encryption, per the LoRaWAN spec.
func EncryptJoinAccept(key []byte, payload []byte) ([]byte, error) {
	if len(payload)%16 != 0 {
		padding := 16 - (len(payload) % 16)
		payload = append(payload, make([]byte, padding)...)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	encrypted := make([]byte, len(payload))
	for i := 0; i < len(payload); i += 16 {
		block.Decrypt(encrypted[i:i+16], payload[i:i+16])
	}

	return encrypted, nil
}

// DecryptJoinAccept decrypts join accept payload.
// Note: uses AES Encrypt for decryption, mirror of EncryptJoinAccept.
func DecryptJoinAccept(key []byte, encrypted []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	decrypted := make([]byte, len(encrypted))
	for i := 0; i < len(encrypted); i += 16 {
		block.Encrypt(decrypted[i:i+16], encrypted[i:i+16])
	}

	return decrypted, nil
}
