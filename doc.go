// Package pvault implements the encryption core of a local,
// password-protected file vault: a key hierarchy binding a user password
// to a random master key, an encrypted catalog of vault entries, and a
// chunked authenticated container format ("PVLT1") for streaming
// arbitrary-size payloads through AES-256-GCM with bounded memory.
//
// # Overview
//
// A vault lives under a single directory on an absfs.FileSystem (the real
// OS filesystem by default, or an in-memory one such as absfs/memfs for
// tests):
//
//	<vault>/vault-config.json   plaintext JSON, integrity from the wrapped key it carries
//	<vault>/items.json.pvlt     AES-256-GCM sealed JSON array of catalog items
//	<vault>/files/<uuid>.pvlt   one PVLT1 container per stored file
//
// VaultService is a three-state machine: Uninitialized, Locked, and
// Unlocked. Creating a vault derives a random 256-bit master key, wraps it
// under a key derived from the password via PBKDF2-HMAC-SHA256, and
// persists the wrapped key plus an empty catalog. Unlocking re-derives the
// key-encryption key from the supplied password and unwraps the master
// key; five consecutive failures lock out further unlock attempts for 60
// seconds. Changing the password re-wraps the master key under a fresh
// salt without touching any stored payload.
//
// # Basic usage
//
//	base, err := pvault.NewOSDirFS("/path/to/vault")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := pvault.NewVaultService(base, pvault.DefaultKDFParams())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := svc.CreateVault([]byte("correct horse battery staple"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	item, err := svc.AddFile("report.pdf", bytes.NewReader(data))
//	// ...
//	svc.Lock()
//
// # Security considerations
//
// Protected against: offline brute force of the wrapped master key (tuned
// PBKDF2 iteration count), tampering with any stored payload or catalog
// byte (every byte is covered by an AES-GCM tag), chunk reordering or
// cross-file chunk substitution (each chunk's nonce is bound to a
// per-file random prefix and its position in the stream).
//
// Not protected against: vault sharing across machines, post-quantum
// adversaries, forward secrecy across password changes, hiding file
// sizes and access patterns beyond what AES-GCM already leaks, or
// sandboxed isolation of the in-memory master key from the rest of the
// process.
//
// # PVLT1 container format
//
//	offset  size  field
//	0       5     magic            = ASCII "PVLT1"
//	5       4     chunkSize
//	9       8     noncePrefix
//	17      8     originalSize
//	25      4     chunkCount
//	29      ...   chunkCount * { sealedLen(4) | sealedBytes }
//
// Chunk i is sealed with nonce = noncePrefix ‖ big-endian uint32(i); the
// nonce embedded in the combined ciphertext is verified against that
// constructed value on decode, so chunks from another file or another
// position cannot be spliced in undetected.
package pvault
