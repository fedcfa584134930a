package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"subsidy/internal/ports"
	id "subsidy/pkg/domain"
)

func input() ports.SealInput {
	return ports.SealInput{
		ProcessID:    id.NewProcessID(),
		PDFVersion:   1,
		ArtifactHash: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		SignerID:     id.NewUserID(),
		ClientIP:     "203.0.113.7",
		UserAgent:    "Mozilla/5.0",
		SignedAtUnix: 1717236000,
	}
}

func TestSealVerifies(t *testing.T) {
	s := NewSealer("seal-key")
	in := input()
	seal := s.Seal(in)

	assert.Len(t, seal, 64)
	assert.True(t, s.Verify(in, seal))
	assert.False(t, NewSealer("other-key").Verify(in, seal))
	assert.False(t, s.Verify(in, "not-hex"))
}

func TestSealCoversEveryField(t *testing.T) {
	s := NewSealer("seal-key")
	in := input()
	seal := s.Seal(in)

	tampered := []func(*ports.SealInput){
		func(i *ports.SealInput) { i.PDFVersion++ },
		func(i *ports.SealInput) { i.ArtifactHash = "00" },
		func(i *ports.SealInput) { i.SignerID = id.NewUserID() },
		func(i *ports.SealInput) { i.ClientIP = "198.51.100.1" },
		func(i *ports.SealInput) { i.UserAgent = "curl/8" },
		func(i *ports.SealInput) { i.SignedAtUnix++ },
	}
	for _, mutate := range tampered {
		changed := in
		mutate(&changed)
		assert.False(t, s.Verify(changed, seal))
	}
}

func TestSeparatorCannotBeSmuggled(t *testing.T) {
	s := NewSealer("seal-key")
	a := input()
	b := a
	a.ClientIP, a.UserAgent = "1.1.1.1|x", "y"
	b.ClientIP, b.UserAgent = "1.1.1.1", "x|y"
	assert.NotEqual(t, s.Seal(a), s.Seal(b))
}
