package lending

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

const (
	poolIDDomain     = "lending/pool/v1"
	poolAccountSpace = "pool/"
)

// PoolID derives the deterministic pool identifier for an authority and asset
// pair. The same pair always maps to the same pool, which is how duplicate
// initialisation is detected.
func PoolID(authority, asset string) string {
	var buf strings.Builder
	buf.WriteString(poolIDDomain)
	buf.WriteByte(0)
	buf.WriteString(strings.TrimSpace(authority))
	buf.WriteByte(0)
	buf.WriteString(strings.ToUpper(strings.TrimSpace(asset)))
	sum := blake3.Sum256([]byte(buf.String()))
	return hex.EncodeToString(sum[:16])
}

// VaultAccount returns the ledger account holding the pooled assets of
// poolID. Vault accounts live under a namespace no user account may use.
func VaultAccount(poolID string) string {
	return poolAccountSpace + poolID + "/vault"
}

// IsPoolAccount reports whether account falls in the namespace reserved for
// pool vaults.
func IsPoolAccount(account string) bool {
	return strings.HasPrefix(strings.TrimSpace(account), poolAccountSpace)
}

func newLoanID() string {
	return uuid.NewString()
}
