/*Package credentials is the credential store leaf of the device cloud

It generates broker secrets for devices and user accounts and turns them into salted
PBKDF2-SHA256 hashes. Only the hash is ever persisted, the plaintext secret is handed
to the caller exactly once.

Hashes are encoded as

	pbkdf2_sha256$<iterations>$<salt>$<base64 key>

which is the format Django writes, so credentials imported from a Django user table
keep working.
*/
package credentials
