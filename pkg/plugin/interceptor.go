package plugin

// PasswordEncoder is the host's default password-hashing function: the
// interceptor delegates to it unconditionally and never substitutes its
// own hash.
type PasswordEncoder func(password string, iterations int) (string, error)

// PasswordInterceptor implements the host's password-hashing extension
// point. It captures the plaintext password into the CorrelationStore
// under key before delegating to the host's own hasher, so the event
// subscriber handling the same request can read it back. It never
// alters what the host stores.
type PasswordInterceptor struct {
	store *CorrelationStore
}

// NewPasswordInterceptor wires an interceptor against store.
func NewPasswordInterceptor(store *CorrelationStore) *PasswordInterceptor {
	return &PasswordInterceptor{store: store}
}

// EncodeCredential records password under key, then calls encode to
// produce the host's own hash, which is returned unchanged. key MUST
// identify the current request (the host's request id, or an
// equivalent correlation key); it is never derived from goroutine
// identity.
func (p *PasswordInterceptor) EncodeCredential(key, password string, iterations int, encode PasswordEncoder) (string, error) {
	p.store.Set(key, password)
	return encode(password, iterations)
}
