// Package certhash maps an APK signing certificate to its release channel.
//
// The certificate is identified by the base64 of its SHA-1 fingerprint, taken
// either from `keytool -printcert` output or from the certificate itself.
package certhash
