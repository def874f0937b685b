// Package hash implements the password digest the NetSurveillance protocol
// family sends in login requests (the "Sofia hash").
//
// The digest is not a general-purpose hash: it is an 8-character ASCII
// fingerprint derived from MD5 that XMeye-class devices compare verbatim.
// MD5 is used here because the devices demand it, not for security.
package hash

import "crypto/md5"

// alphabet maps folded digest bytes onto the 62-character set the devices use.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Sofia derives the 8-character password digest sent in the login request.
// The 16 MD5 bytes are folded pairwise (out[i] = md5[2i]+md5[2i+1], summed
// as integers without wrapping) and each sum indexes the base-62 alphabet
// modulo its length.
func Sofia(password string) string {
	sum := md5.Sum([]byte(password))
	var out [8]byte
	for i := 0; i < 8; i++ {
		folded := int(sum[2*i]) + int(sum[2*i+1])
		out[i] = alphabet[folded%len(alphabet)]
	}
	return string(out[:])
}
