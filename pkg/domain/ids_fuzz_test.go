//go:build go1.18

package domain

import (
	"testing"
	"unicode/utf8"
)

// FuzzParseProcessID checks that parsing never panics and accepted IDs round-trip.
func FuzzParseProcessID(f *testing.F) {
	f.Add("")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("00000000-0000-0000-0000-000000000000")
	f.Add("not-a-uuid")
	f.Add("'; DROP TABLE procesos;--")
	f.Add(string([]byte{0x00, 0x01, 0x02}))
	f.Add("550e8400-e29b-41d4-a716-446655440000\x00suffix")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseProcessID(input)
		if err == nil {
			if id.IsNil() {
				t.Error("nil UUID was accepted")
			}
			roundTrip, err2 := ParseProcessID(id.String())
			if err2 != nil {
				t.Errorf("valid ID failed round-trip: %v", err2)
			}
			if roundTrip != id {
				t.Error("round-trip changed ID value")
			}
		}
		if !utf8.ValidString(input) && err == nil {
			t.Error("non-UTF8 input was accepted")
		}
	})
}

// FuzzParseAllIDs ensures all ID types validate identically.
func FuzzParseAllIDs(f *testing.F) {
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("")
	f.Add("invalid")

	f.Fuzz(func(t *testing.T, input string) {
		_, errProcess := ParseProcessID(input)
		_, errUser := ParseUserID(input)
		_, errDocument := ParseDocumentID(input)

		if (errProcess == nil) != (errUser == nil) || (errUser == nil) != (errDocument == nil) {
			t.Errorf("inconsistent validation for %q: process=%v user=%v document=%v",
				input, errProcess, errUser, errDocument)
		}
	})
}
