// Package command parses the manual CAN send syntax "<hex-id>:<hex-bytes>",
// e.g. "542:55aabb".
package command

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// Rejection is a user-visible reason a command was refused.
// Values compare with errors.Is.
type Rejection string

func (r Rejection) Error() string { return string(r) }

const (
	RejectFormat     Rejection = "Expected <ID>:<Data>"
	RejectIDMissing  Rejection = "Missing ID"
	RejectIDLength   Rejection = "Invalid ID Length"
	RejectID         Rejection = "Invalid ID"
	RejectDataLength Rejection = "Invalid data Length"
	RejectData       Rejection = "Invalid data"
	RejectDataOdd    Rejection = "Data must be a multiple of 2"
)

const (
	maxIDDigits   = 3
	maxDataDigits = 16
)

// Command is a parsed manual send. ID range is enforced by the frame codec.
type Command struct {
	ID   int
	Data []byte
}

// Parse applies the rules in order: strip spaces and lowercase, split on the
// first ':', check the id digits, check the data digits, require whole bytes.
func Parse(text string) (Command, error) {
	s := strings.ToLower(strings.ReplaceAll(text, " ", ""))
	idStr, dataStr, ok := strings.Cut(s, ":")
	if !ok {
		return Command{}, RejectFormat
	}
	if idStr == "" {
		return Command{}, RejectIDMissing
	}
	if len(idStr) > maxIDDigits {
		return Command{}, RejectIDLength
	}
	if !isHex(idStr) {
		return Command{}, RejectID
	}
	if len(dataStr) > maxDataDigits {
		return Command{}, RejectDataLength
	}
	if !isHex(dataStr) {
		return Command{}, RejectData
	}
	if len(dataStr)%2 != 0 {
		return Command{}, RejectDataOdd
	}
	id, err := strconv.ParseUint(idStr, 16, 16)
	if err != nil {
		return Command{}, RejectID
	}
	data, err := hex.DecodeString(dataStr)
	if err != nil {
		return Command{}, RejectData
	}
	return Command{ID: int(id), Data: data}, nil
}

// Validate is Parse without the result, shaped for prompt validators.
func Validate(text string) error {
	_, err := Parse(text)
	return err
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
