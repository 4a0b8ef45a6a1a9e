package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
)

// SetUplinkDataMIC calculates and sets uplink MIC according to LoRaWAN spec
func (p *PHYPayload) SetUplinkDataMIC(fCntUp uint32, nwkSKey AES128Key) error {
	micPayload, err := p.dataMICPayload(fCntUp, true)
	if err != nil {
		return err
	}

	mic, err := aesCMAC(nwkSKey[:], micPayload)
	if err != nil {
		return fmt.Errorf("calculate MIC: %w", err)
	}

	copy(p.MIC[:], mic[0:4])
	return nil
}

// ValidateUplinkDataMIC validates uplink MIC
func (p *PHYPayload) ValidateUplinkDataMIC(fCntUp uint32, nwkSKey AES128Key) (bool, error) {
	origMIC := p.MIC
	if err := p.SetUplinkDataMIC(fCntUp, nwkSKey); err != nil {
		return false, err
	}
	valid := p.MIC == origMIC
	p.MIC = origMIC
	return valid, nil
}

// SetDownlinkDataMIC sets downlink MIC according to LoRaWAN spec
func (p *PHYPayload) SetDownlinkDataMIC(fCntDown uint32, nwkSKey AES128Key) error {
	micPayload, err := p.dataMICPayload(fCntDown, false)
	if err != nil {
		return err
	}

	mic, err := aesCMAC(nwkSKey[:], micPayload)
	if err != nil {
		return fmt.Errorf("calculate MIC: %w", err)
	}

	copy(p.MIC[:], mic[0:4])
	return nil
}

// ValidateDownlinkDataMIC 终端侧校验下行帧MIC
func (p *PHYPayload) ValidateDownlinkDataMIC(fCntDown uint32, nwkSKey AES128Key) (bool, error) {
	origMIC := p.MIC
	if err := p.SetDownlinkDataMIC(fCntDown, nwkSKey); err != nil {
		return false, err
	}
	valid := p.MIC == origMIC
	p.MIC = origMIC
	return valid, nil
}

// dataMICPayload builds B0 | MHDR | MACPayload for the data MIC
func (p *PHYPayload) dataMICPayload(fullFCnt uint32, uplink bool) ([]byte, error) {
	macPayload := &MACPayload{}
	if err := macPayload.Unmarshal(p.MACPayload, p.MHDR.MType, uplink); err != nil {
		return nil, fmt.Errorf("unmarshal MAC payload: %w", err)
	}

	b0 := make([]byte, 16)
	b0[0] = 0x49 // Authentication flags
	if !uplink {
		b0[5] = 0x01 // Dir = 1 for downlink
	}
	copy(b0[6:10], macPayload.FHDR.DevAddr[:])
	if uplink {
		fullFCnt = GetFullFCnt(fullFCnt, macPayload.FHDR.FCnt)
	}
	binary.LittleEndian.PutUint32(b0[10:14], fullFCnt)
	b0[15] = byte(1 + len(p.MACPayload)) // MHDR + MACPayload

	micPayload := make([]byte, 0, len(b0)+1+len(p.MACPayload))
	micPayload = append(micPayload, b0...)
	micPayload = append(micPayload, byte(p.MHDR.MType<<5)|byte(p.MHDR.Major))
	micPayload = append(micPayload, p.MACPayload...)
	return micPayload, nil
}

// SetJoinRequestMIC 终端侧计算JoinRequest的MIC
// MIC = aes128_cmac(AppKey, MHDR | JoinEUI | DevEUI | DevNonce)
func (p *PHYPayload) SetJoinRequestMIC(appKey AES128Key) error {
	var data []byte
	data = append(data, byte(p.MHDR.MType<<5)|byte(p.MHDR.Major))
	data = append(data, p.MACPayload...)

	mic, err := CalculateMIC(appKey[:], data)
	if err != nil {
		return fmt.Errorf("calculate JOIN REQUEST MIC: %w", err)
	}

	p.MIC = mic
	return nil
}

// ValidateUplinkJoinMIC validates JOIN REQUEST MIC
func (p *PHYPayload) ValidateUplinkJoinMIC(appKey AES128Key) (bool, error) {
	var data []byte
	data = append(data, byte(p.MHDR.MType<<5)|byte(p.MHDR.Major))
	data = append(data, p.MACPayload...)

	expectedMIC, err := CalculateMIC(appKey[:], data)
	if err != nil {
		return false, fmt.Errorf("calculate JOIN REQUEST MIC: %w", err)
	}

	return expectedMIC == p.MIC, nil
}

// SetJoinAcceptMIC sets the MIC for Join Accept message
// MIC = aes128_cmac(AppKey, MHDR | JoinAccept)
func (p *PHYPayload) SetJoinAcceptMIC(key AES128Key) error {
	var data []byte
	data = append(data, byte(p.MHDR.MType<<5)|byte(p.MHDR.Major))
	data = append(data, p.MACPayload...)

	mic, err := CalculateMIC(key[:], data)
	if err != nil {
		return fmt.Errorf("calculate JOIN ACCEPT MIC: %w", err)
	}

	p.MIC = mic
	return nil
}

// EncryptJoinAcceptPayload encrypts Join Accept payload using AES-ECB
// 重要：使用 AES DECRYPT 操作来加密（LoRaWAN 特殊要求）
func (p *PHYPayload) EncryptJoinAcceptPayload(key AES128Key) error {
	plaintext := make([]byte, len(p.MACPayload)+4)
	copy(plaintext, p.MACPayload)
	copy(plaintext[len(p.MACPayload):], p.MIC[:])

	ciphertext, err := EncryptJoinAccept(key[:], plaintext)
	if err != nil {
		return fmt.Errorf("encrypt JOIN ACCEPT: %w", err)
	}

	// 加密后的数据直接作为 MACPayload，MIC 已包含在内
	p.MACPayload = ciphertext
	return nil
}

// DecryptJoinAcceptPayload 终端侧解密JoinAccept并校验MIC
// 解密后 MACPayload 为明文内容，MIC 字段恢复为末尾4字节
func (p *PHYPayload) DecryptJoinAcceptPayload(key AES128Key) (bool, error) {
	if len(p.MACPayload) < 16 || len(p.MACPayload)%16 != 0 {
		return false, fmt.Errorf("invalid encrypted JOIN ACCEPT length: %d", len(p.MACPayload))
	}

	plaintext, err := DecryptJoinAccept(key[:], p.MACPayload)
	if err != nil {
		return false, fmt.Errorf("decrypt JOIN ACCEPT: %w", err)
	}

	p.MACPayload = plaintext[:len(plaintext)-4]
	copy(p.MIC[:], plaintext[len(plaintext)-4:])

	var data []byte
	data = append(data, byte(p.MHDR.MType<<5)|byte(p.MHDR.Major))
	data = append(data, p.MACPayload...)

	expectedMIC, err := CalculateMIC(key[:], data)
	if err != nil {
		return false, err
	}

	return expectedMIC == p.MIC, nil
}

// MarshalBinary marshals PHYPayload to binary
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	var data []byte

	data = append(data, byte(p.MHDR.MType<<5)|byte(p.MHDR.Major))
	data = append(data, p.MACPayload...)

	// JOIN ACCEPT 的 MIC 已包含在加密的 MACPayload 中
	if p.MHDR.MType != JoinAccept {
		data = append(data, p.MIC[:]...)
	}

	return data, nil
}

// UnmarshalBinary unmarshals PHYPayload from binary
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("PHYPayload too short: %d bytes", len(data))
	}

	p.MHDR.MType = MType((data[0] >> 5) & 0x07)
	p.MHDR.Major = Major(data[0] & 0x03)

	if p.MHDR.MType == JoinAccept {
		// MIC 在加密部分内，解密前无法分离
		p.MACPayload = data[1:]
		return nil
	}

	p.MACPayload = data[1 : len(data)-4]
	copy(p.MIC[:], data[len(data)-4:])
	return nil
}

// GetFullFCnt gets full frame counter from 16-bit value
func GetFullFCnt(fCntUp uint32, fCnt uint16) uint32 {
	upperBits := fCntUp & 0xFFFF0000

	// Check for rollover
	if uint16(fCntUp) > fCnt && (uint16(fCntUp)-fCnt) > 0x8000 {
		upperBits += 0x10000
	}

	return upperBits | uint32(fCnt)
}

// EncryptFRMPayload encrypts/decrypts FRM payload
func EncryptFRMPayload(key []byte, devAddr DevAddr, fCnt uint32, uplink bool, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	k := (len(payload) + 15) / 16

	ai := make([]byte, 16)
	ai[0] = 0x01
	if !uplink {
		ai[5] = 0x01 // Dir = 1 for downlink
	}
	copy(ai[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(ai[10:14], fCnt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	s := make([]byte, 16*k)
	for i := 0; i < k; i++ {
		ai[15] = byte(i + 1)
		block.Encrypt(s[i*16:(i+1)*16], ai)
	}

	encrypted := make([]byte, len(payload))
	for i := range payload {
		encrypted[i] = payload[i] ^ s[i]
	}

	return encrypted, nil
}

// Marshal marshals MACPayload
func (m *MACPayload) Marshal(mtype MType, isUplink bool) ([]byte, error) {
	var data []byte

	data = append(data, m.FHDR.DevAddr[:]...)

	fctrl := byte(0)
	if m.FHDR.FCtrl.ADR {
		fctrl |= 0x80
	}
	if isUplink {
		if m.FHDR.FCtrl.ADRACKReq {
			fctrl |= 0x40
		}
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.ClassB {
			fctrl |= 0x10
		}
	} else {
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.FPending {
			fctrl |= 0x10
		}
	}
	fctrl |= byte(len(m.FHDR.FOpts)) & 0x0F
	data = append(data, fctrl)

	// FCnt (16-bit)
	data = append(data, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))

	data = append(data, m.FHDR.FOpts...)

	// FRMPayload only present if FPort is present
	if m.FPort != nil {
		data = append(data, *m.FPort)
		data = append(data, m.FRMPayload...)
	}

	return data, nil
}

// Unmarshal unmarshals MACPayload
func (m *MACPayload) Unmarshal(data []byte, mtype MType, isUplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("MACPayload too short: %d bytes", len(data))
	}

	pos := 0

	copy(m.FHDR.DevAddr[:], data[pos:pos+4])
	pos += 4

	fctrl := data[pos]
	m.FHDR.FCtrl.ADR = (fctrl & 0x80) != 0
	if isUplink {
		m.FHDR.FCtrl.ADRACKReq = (fctrl & 0x40) != 0
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.ClassB = (fctrl & 0x10) != 0
	} else {
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.FPending = (fctrl & 0x10) != 0
	}
	foptsLen := int(fctrl & 0x0F)
	pos++

	m.FHDR.FCnt = uint16(data[pos]) | uint16(data[pos+1])<<8
	pos += 2

	if foptsLen > 0 {
		if pos+foptsLen > len(data) {
			return fmt.Errorf("invalid FOpts length")
		}
		m.FHDR.FOpts = data[pos : pos+foptsLen]
		pos += foptsLen
	}

	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++

		if pos < len(data) {
			m.FRMPayload = data[pos:]
		}
	}

	return nil
}

// MarshalBinary 终端侧构造JoinRequest负载
func (j *JoinRequestPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 18)
	copy(data[0:8], j.JoinEUI[:])
	copy(data[8:16], j.DevEUI[:])
	copy(data[16:18], j.DevNonce[:])
	return data, nil
}

// UnmarshalBinary unmarshals JoinRequest payload
func (j *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 18 {
		return fmt.Errorf("invalid JoinRequest length: expected 18, got %d", len(data))
	}

	copy(j.JoinEUI[:], data[0:8])
	copy(j.DevEUI[:], data[8:16])
	copy(j.DevNonce[:], data[16:18])

	return nil
}

// MarshalBinary marshals JoinAccept payload (plaintext form)
func (j *JoinAcceptPayload) MarshalBinary() ([]byte, error) {
	size := 12 + len(j.CFList)

	data := make([]byte, size)
	copy(data[0:3], j.JoinNonce[:])
	copy(data[3:6], j.NetID[:])
	copy(data[6:10], j.DevAddr[:])
	data[10] = (j.DLSettings.RX1DROffset << 4) | (j.DLSettings.RX2DataRate & 0x0F)
	data[11] = j.RxDelay

	if len(j.CFList) > 0 {
		copy(data[12:], j.CFList)
	}

	return data, nil
}

// UnmarshalBinary unmarshals JoinAccept payload (plaintext form)
func (j *JoinAcceptPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("invalid JoinAccept length: minimum 12, got %d", len(data))
	}

	copy(j.JoinNonce[:], data[0:3])
	copy(j.NetID[:], data[3:6])
	copy(j.DevAddr[:], data[6:10])
	j.DLSettings.RX1DROffset = (data[10] >> 4) & 0x07
	j.DLSettings.RX2DataRate = data[10] & 0x0F
	j.RxDelay = data[11]

	if len(data) > 12 {
		j.CFList = make([]byte, len(data)-12)
		copy(j.CFList, data[12:])
	}

	return nil
}

// CalculateMIC is a helper function to calculate MIC
func CalculateMIC(key []byte, data []byte) ([4]byte, error) {
	var mic [4]byte
	hash, err := aesCMAC(key, data)
	if err != nil {
		return mic, err
	}
	copy(mic[:], hash[0:4])
	return mic, nil
}
