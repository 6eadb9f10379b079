package object

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const maxNameLen = 128

// ErrBadFileName is returned for names that are empty or try to escape the owner prefix.
var ErrBadFileName = errors.New("invalid file name")

// NewKey returns "<owner>/<yyyy>/<mm>/<random>_<name>". The owner segment is a
// hash so ids like "guest:abc" never appear in keys.
func NewKey(ownerID, fileName string, now time.Time) (string, error) {
	name, err := CleanFileName(fileName)
	if err != nil {
		return "", err
	}
	now = now.UTC()
	return path.Join(OwnerPrefix(ownerID), now.Format("2006"), now.Format("01"), uuid.NewString()+"_"+name), nil
}

// OwnerPrefix is the first key segment for ownerID: 32 hex characters.
func OwnerPrefix(ownerID string) string {
	sum := sha256.Sum256([]byte(ownerID))
	return hex.EncodeToString(sum[:16])
}

// CleanFileName keeps the last path element of name, drops control
// characters, turns whitespace into underscores and keeps at most the last
// 128 bytes so the extension survives.
func CleanFileName(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", ErrBadFileName
	}
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case unicode.IsControl(r):
		case unicode.IsSpace(r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" || out == "." || out == "/" {
		return "", ErrBadFileName
	}
	if len(out) > maxNameLen {
		out = out[len(out)-maxNameLen:]
		for len(out) > 0 && !isRuneStart(out[0]) {
			out = out[1:]
		}
	}
	return out, nil
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
