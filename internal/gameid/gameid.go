// Package gameid mints the identifiers cowboy services exchange: time
// sortable game ids, bot ids, and the command ids attached to system-issued
// commands.
package gameid

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Game ids are UUIDv7 values encoded with Crockford's base32 (the TypeID
// alphabet), so lexicographic order is creation order.
const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

// New returns a fresh 26-character game id.
func New() string {
	return encodeBase32(newUUIDv7())
}

// NewBotID returns a bot id with a recognizable prefix.
func NewBotID() string {
	return "bot-" + uuid.NewString()
}

// TimeoutCommandID names one firing of a game's turn timer. Bus redelivery
// replays the same id, so downstream dedupe swallows it.
func TimeoutCommandID(gameID string, turnNo uint64, at time.Time) string {
	return fmt.Sprintf("timeout-%s-%d-%d", gameID, turnNo, at.UnixMilli())
}

// BotCommandID names one bot decision for one turn.
func BotCommandID(botID string, turnNo uint64, at time.Time) string {
	return fmt.Sprintf("bot-%s-%d-%d", botID, turnNo, at.UnixMilli())
}

func newUUIDv7() [16]byte {
	var id [16]byte

	now := time.Now().UnixMilli()
	id[0] = byte(now >> 40)
	id[1] = byte(now >> 32)
	id[2] = byte(now >> 24)
	id[3] = byte(now >> 16)
	id[4] = byte(now >> 8)
	id[5] = byte(now)

	if _, err := rand.Read(id[6:]); err != nil {
		panic("failed to generate random bytes: " + err.Error())
	}

	// Version 7, variant 10.
	id[6] = (id[6] & 0x0f) | 0x70
	id[8] = (id[8] & 0x3f) | 0x80

	return id
}

// encodeBase32 encodes 128 bits as 26 base32 characters, 5 bits per
// character. Two zero bits pad the front so the first character only ever
// encodes three bits.
func encodeBase32(data [16]byte) string {
	result := make([]byte, 26)
	result[0] = alphabet[data[0]>>5]
	for i := 1; i < 26; i++ {
		bitOffset := i*5 - 2
		byteIndex := bitOffset / 8
		bitIndex := bitOffset % 8

		var value uint8
		if bitIndex <= 3 {
			value = (data[byteIndex] >> (3 - bitIndex)) & 0x1f
		} else {
			value = (data[byteIndex] << (bitIndex - 3)) & 0x1f
			value |= data[byteIndex+1] >> (11 - bitIndex)
		}
		result[i] = alphabet[value]
	}
	return string(result)
}

// Validate checks that an id is a well-formed 26-character base32 game id.
func Validate(id string) error {
	if len(id) != 26 {
		return fmt.Errorf("game id must be exactly 26 characters, got %d", len(id))
	}
	// The first character carries only three bits; values above '7' would
	// overflow 128 bits.
	if id[0] > '7' {
		return fmt.Errorf("game id first character must be 0-7, got %c", id[0])
	}
	for i, char := range id {
		valid := false
		for _, validChar := range alphabet {
			if char == validChar {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid character %c at position %d", char, i)
		}
	}
	return nil
}
