package secrets

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/archon/internal/store"
	"github.com/mtzanidakis/archon/internal/vault"
)

const refPrefix = "secret:"

// Resolver replaces secret:NAME references with plaintext decrypted
// through the vault. It is applied to config-declared agent env maps
// and to caller-supplied task context before dispatch, so secret
// values never need to appear in config files or requests.
type Resolver struct {
	store *store.Store
	vault *vault.Vault
}

func NewResolver(s *store.Store, v *vault.Vault) *Resolver {
	return &Resolver{store: s, vault: v}
}

// ResolveEnv resolves references in an env map in place. A reference
// that cannot be resolved is logged and dropped rather than passed
// through as the literal secret:NAME string.
func (r *Resolver) ResolveEnv(env map[string]string) {
	for k, v := range env {
		name, ok := strings.CutPrefix(v, refPrefix)
		if !ok {
			continue
		}
		plaintext, err := r.decrypt(name)
		if err != nil {
			slog.Warn("failed to resolve env secret", "env", k, "secret", name, "error", err)
			delete(env, k)
			continue
		}
		env[k] = plaintext
	}
}

// ResolveContext returns a copy of ctx with string-valued secret:NAME
// references resolved. Unresolvable references are logged and dropped.
func (r *Resolver) ResolveContext(ctx map[string]any) map[string]any {
	if len(ctx) == 0 {
		return ctx
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		s, isString := v.(string)
		if !isString {
			out[k] = v
			continue
		}
		name, ok := strings.CutPrefix(s, refPrefix)
		if !ok {
			out[k] = v
			continue
		}
		plaintext, err := r.decrypt(name)
		if err != nil {
			slog.Warn("failed to resolve context secret", "key", k, "secret", name, "error", err)
			continue
		}
		out[k] = plaintext
	}
	return out
}

func (r *Resolver) decrypt(name string) (string, error) {
	if r.store == nil || r.vault == nil {
		return "", fmt.Errorf("no vault configured")
	}
	sec, err := r.store.GetSecret(name)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("secret %q not found", name)
	}
	return r.vault.DecryptString(sec.Value, sec.Nonce)
}
