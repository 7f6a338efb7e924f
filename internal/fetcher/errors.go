package fetcher

import "errors"

// Error kinds from spec §7. Network errors are returned as-is (wrapped with
// %w for context), matching the teacher's plain-error idiom — there is no
// typed error framework anywhere in the pack's crates-mirror lineage.
var (
	ErrBadUpstream  = errors.New("fetcher: bad upstream response")
	ErrHeaderDecode = errors.New("fetcher: non-utf8 or missing header")
)
