package server

import (
	"errors"
	"math/rand/v2"
	"strings"
)

const LobbyCodeLength = 4

// Ambiguous glyphs (I, O) are left out so codes read well aloud.
const lobbyCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ"

var ErrInvalidLobbyCode = errors.New("INVALID_LOBBY_CODE: Lobby code must be 4 letters")

// GenerateLobbyCode returns a code not present in used.
func GenerateLobbyCode(used map[string]bool) string {
	for {
		code := make([]byte, LobbyCodeLength)
		for i := range code {
			code[i] = lobbyCodeAlphabet[rand.IntN(len(lobbyCodeAlphabet))]
		}
		if !used[string(code)] {
			return string(code)
		}
	}
}

// NormalizeLobbyCode upper-cases and validates a user-typed code.
func NormalizeLobbyCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != LobbyCodeLength {
		return "", ErrInvalidLobbyCode
	}
	for _, ch := range code {
		if ch < 'A' || ch > 'Z' {
			return "", ErrInvalidLobbyCode
		}
	}
	return code, nil
}
