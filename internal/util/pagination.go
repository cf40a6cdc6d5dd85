package util

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// NormalizePage clamps limit and offset to what the listing queries accept.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
