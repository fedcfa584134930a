// Package signature seals the provenance of an electronic signature so it cannot be
// altered after the fact without the seal key.
package signature

import (
	"crypto/hmac"
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"

	"subsidy/internal/ports"
)

// Sealer computes HMAC-SHA3-256 seals.
type Sealer struct {
	key []byte
}

func NewSealer(key string) *Sealer {
	return &Sealer{key: []byte(key)}
}

// Seal returns the hex seal of in. Fields are joined with a separator that cannot occur
// in any of them after escaping.
func (s *Sealer) Seal(in ports.SealInput) string {
	mac := hmac.New(sha3.New256, s.key)
	mac.Write([]byte(canonical(in)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Sealer) Verify(in ports.SealInput, seal string) bool {
	expected, err := hex.DecodeString(seal)
	if err != nil {
		return false
	}
	actual, _ := hex.DecodeString(s.Seal(in))
	return hmac.Equal(expected, actual)
}

func canonical(in ports.SealInput) string {
	esc := strings.NewReplacer(`\`, `\\`, "|", `\|`)
	return strings.Join([]string{
		in.ProcessID.String(),
		strconv.Itoa(in.PDFVersion),
		esc.Replace(in.ArtifactHash),
		in.SignerID.String(),
		esc.Replace(in.ClientIP),
		esc.Replace(in.UserAgent),
		strconv.FormatInt(in.SignedAtUnix, 10),
	}, "|")
}
