/*
Package security encrypts tenant secrets at rest.

SecretsManager seals payloads with AES-256-GCM, prepending the random nonce to
the ciphertext. The key is 32 bytes, either supplied directly or derived from a
passphrase with SHA-256.

Vault layers tenant-scoped records on top of the store:

  - repository credentials, referenced from a task's source descriptor by name
  - the pro-engine token, which may carry an expiry

An expired or missing pro token is not an error; the scan simply runs without
pro features. A record that cannot be decrypted or decoded is reported as
errdefs.ErrInternal.
*/
package security
