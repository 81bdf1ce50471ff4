package main

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Room codes avoid look-alike characters (0/O, 1/I/L) since players type them in.
const (
	roomCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	roomCodeLength   = 6
)

func generateRoomCode() (string, error) {
	var sb strings.Builder
	limit := big.NewInt(int64(len(roomCodeAlphabet)))
	for i := 0; i < roomCodeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		sb.WriteByte(roomCodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// normalizeRoomCode trims and upper-cases a typed room code.
func normalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// newClientID issues the per-device identifier a client keeps to re-associate
// itself with its player record.
func newClientID() string {
	return uuid.New().String()
}
