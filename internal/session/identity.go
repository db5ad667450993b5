// Package session resolves the anonymous session a cart request belongs to.
package session

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/tableorder/internal/domain"
	"github.com/google/uuid"
)

const (
	maxFragmentLen = 32
	randomLen      = 12
)

var (
	currentPattern = regexp.MustCompile(`^session-[A-Za-z0-9_-]+-\d{13}-[A-Za-z0-9]{6,15}$`)
	legacyPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)
)

// Classify reports the format of a caller-supplied id after trimming
// surrounding whitespace.
func Classify(id string) (domain.SessionFormat, error) {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return "", domain.New(domain.CodeInvalidSession, "session id is empty")
	case currentPattern.MatchString(id):
		return domain.FormatCurrent, nil
	case legacyPattern.MatchString(id):
		return domain.FormatLegacy, nil
	default:
		return "", domain.WithMetadata(domain.CodeInvalidSession, "session id is malformed",
			map[string]string{"session_id": truncate(id, 64)})
	}
}

// Mint returns a new current-format id for the table context.
func Mint(tableContext string) string {
	return MintAt(tableContext, time.Now())
}

func MintAt(tableContext string, t time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:randomLen]
	return "session-" + fragment(tableContext) + "-" + strconv.FormatInt(t.UnixMilli(), 10) + "-" + random
}

func fragment(tableContext string) string {
	var b strings.Builder
	for _, r := range tableContext {
		if b.Len() == maxFragmentLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
