package license

import (
	"context"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/spendguard/spendguard/pkg/models"
)

var (
	walletPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// SettlementVerifier confirms that a settlement reference pays a request
type SettlementVerifier interface {
	VerifySettlement(ctx context.Context, req *models.PaymentRequest, settlementRef string) error
}

// FormatVerifier accepts any well-formed transaction hash without consulting
// a chain. It is the default until an on-chain verifier is configured.
type FormatVerifier struct{}

// VerifySettlement checks the reference is a 0x-prefixed 32 byte hex hash
func (FormatVerifier) VerifySettlement(ctx context.Context, req *models.PaymentRequest, settlementRef string) error {
	if !txHashPattern.MatchString(settlementRef) {
		return ErrSettlementRejected
	}
	return nil
}

// ValidWallet reports whether s is a 20 byte hex address. Mixed-case
// addresses must carry a valid EIP-55 checksum.
func ValidWallet(s string) bool {
	if !walletPattern.MatchString(s) {
		return false
	}
	hexPart := s[2:]
	if hexPart == strings.ToLower(hexPart) || hexPart == strings.ToUpper(hexPart) {
		return true
	}
	return hexPart == checksumHex(hexPart)
}

// ChecksumAddress returns the EIP-55 form of a wallet address
func ChecksumAddress(s string) string {
	if !walletPattern.MatchString(s) {
		return s
	}
	return "0x" + checksumHex(s[2:])
}

// NormalizeWallet returns the lowercase form used as the storage key
func NormalizeWallet(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func checksumHex(hexPart string) string {
	lower := strings.ToLower(hexPart)

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	out := []byte(lower)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			out[i] = c - ('a' - 'A')
		}
	}
	return string(out)
}
