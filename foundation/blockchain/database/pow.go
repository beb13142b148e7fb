package database

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultDifficulty is the prefix the bit string of a block hash must start
// with. Because the bit string is not zero padded, "00" requires the first
// two bytes of the hash to be zero.
const DefaultDifficulty = "00"

// progressInterval is the number of attempts between mining progress events.
const progressInterval = 100_000

// digestFields is the canonical set of fields that are hashed. The fields are
// declared in key order so the encoding is deterministic.
type digestFields struct {
	ID           uint64 `json:"id"`
	Nonce        uint64 `json:"nonce"`
	Payload      string `json:"payload"`
	PreviousHash string `json:"previous_hash"`
	TimeStamp    int64  `json:"timestamp"`
}

// Digest returns the SHA-256 hash of the canonical JSON encoding of the
// hashed block fields. HTML characters are written as is, U+2028 and U+2029
// are always written as escapes.
func Digest(id uint64, timeStamp int64, previousHash string, payload string, nonce uint64) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	// Encoding a struct of strings and integers can't fail.
	enc.Encode(digestFields{
		ID:           id,
		Nonce:        nonce,
		Payload:      payload,
		PreviousHash: previousHash,
		TimeStamp:    timeStamp,
	})

	hash := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hash[:]
}

// HashHex returns the hex encoded digest for the block fields.
func HashHex(id uint64, timeStamp int64, previousHash string, payload string, nonce uint64) string {
	return hex.EncodeToString(Digest(id, timeStamp, previousHash, payload, nonce))
}

// BitString renders every byte as binary digits without padding each byte
// to 8 bits.
func BitString(hash []byte) string {
	var b strings.Builder
	for _, c := range hash {
		b.WriteString(strconv.FormatUint(uint64(c), 2))
	}
	return b.String()
}

// MeetsDifficulty reports whether the bit string starts with the prefix.
func MeetsDifficulty(bits string, prefix string) bool {
	return strings.HasPrefix(bits, prefix)
}

// isHashSolved checks a hex encoded hash against the difficulty prefix. A
// hash that can't be decoded never solves the puzzle.
func isHashSolved(hash string, prefix string) bool {
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return false
	}
	return MeetsDifficulty(BitString(raw), prefix)
}

// mine does the work of finding the first nonce, starting at zero, that
// produces a hash satisfying the difficulty.
func mine(ctx context.Context, id uint64, timeStamp int64, previousHash string, payload string, difficulty string, ev func(v string, args ...any)) (uint64, string, error) {
	ev("database: POW: MINING: started: blk[%d]", id)
	defer ev("database: POW: MINING: completed: blk[%d]", id)

	var nonce uint64
	for {
		if nonce%progressInterval == 0 {
			ev("database: POW: MINING: nonce[%d]", nonce)
		}

		// Did we get cancelled trying to solve the problem.
		if ctx.Err() != nil {
			ev("database: POW: MINING: CANCELLED")
			return 0, "", ctx.Err()
		}

		hash := Digest(id, timeStamp, previousHash, payload, nonce)
		bits := BitString(hash)
		if !MeetsDifficulty(bits, difficulty) {
			nonce++
			continue
		}

		hexHash := hex.EncodeToString(hash)
		ev("database: POW: MINING: SOLVED: nonce[%d]: hash[%s]: bits[%s]", nonce, hexHash, bits)

		return nonce, hexHash, nil
	}
}
