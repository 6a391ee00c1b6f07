// Package des derives the RFB 3.3 VNC challenge/response using the
// password-as-DES-key convention: the password (null-padded/truncated
// to 8 bytes) with each byte's bits reversed is used as a DES key to
// ECB-encrypt each 8-byte half of the challenge. crypto/des is used
// directly; DES is a fixed, standardized primitive and no third-party
// implementation in the dependency set covers it (see DESIGN.md).
package des

import "crypto/des"

// reverseBits reverses the bit order within a single byte, the
// convention VNC uses when turning a password into a DES key.
func reverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r <<= 1
		r |= b & 1
		b >>= 1
	}
	return r
}

// key derives the 8-byte DES key from a password, null-padding or
// truncating to 8 bytes and reversing each byte's bits.
func key(password string) [8]byte {
	var k [8]byte
	copy(k[:], password)
	for i := range k {
		k[i] = reverseBits(k[i])
	}
	return k
}

// ChallengeResponse encrypts a 16-byte RFB challenge with the
// password-derived DES key, ECB-mode, one 8-byte block at a time.
func ChallengeResponse(password string, challenge [16]byte) ([16]byte, error) {
	k := key(password)
	block, err := des.NewCipher(k[:])
	if err != nil {
		return [16]byte{}, err
	}
	var out [16]byte
	block.Encrypt(out[0:8], challenge[0:8])
	block.Encrypt(out[8:16], challenge[8:16])
	return out, nil
}
