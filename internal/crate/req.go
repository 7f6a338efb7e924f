// Package crate holds the identity type shared by every component that
// talks about a single crate version: the registry, the fetcher, the git
// index tracker, and the HTTP handler.
package crate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Req identifies one crate version. It is the single-flight key: two
// requests with the same Req are the same download.
type Req struct {
	Name    string
	Version string
}

func (r Req) String() string {
	return fmt.Sprintf("%s-%s", r.Name, r.Version)
}

// Key is the ObjectStore key for this crate version.
func (r Req) Key() string {
	return r.Name + "/" + r.Version
}

// UpstreamPath is the path segment of the upstream download URL:
// https://<origin>/crates/{name}/{name}-{version}.crate
func (r Req) UpstreamPath() string {
	return fmt.Sprintf("crates/%s/%s-%s.crate", r.Name, r.Name, r.Version)
}

// IndexEntry is a single line of a crates.io-index file, decoded loosely:
// additional fields beyond name/vers are ignored, and the "crate"/"version"
// aliases used by some index formats are accepted in place of "name"/"vers".
type IndexEntry struct {
	Name   string `json:"-"`
	Vers   string `json:"-"`
	Cksum  string `json:"-"`
	Yanked bool   `json:"yanked"`
}

// UnmarshalJSON accepts either {"name","vers"} or {"crate","version"} and
// silently drops anything else. A line that lacks a name or a version is
// rejected by ParseIndexLine and ParseIndexEntry, not here.
func (e *IndexEntry) UnmarshalJSON(b []byte) error {
	var raw struct {
		Name    string `json:"name"`
		Crate   string `json:"crate"`
		Vers    string `json:"vers"`
		Version string `json:"version"`
		Cksum   string `json:"cksum"`
		Yanked  bool   `json:"yanked"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Name = raw.Name
	if e.Name == "" {
		e.Name = raw.Crate
	}
	e.Vers = raw.Vers
	if e.Vers == "" {
		e.Vers = raw.Version
	}
	e.Cksum = raw.Cksum
	e.Yanked = raw.Yanked
	return nil
}

// ParseIndexEntry decodes one index line into its full IndexEntry, for
// callers (the bulk downloader, the sidecar generator) that need the
// checksum or yanked flag alongside the name/version ParseIndexLine exposes.
func ParseIndexEntry(line []byte) (IndexEntry, bool) {
	var e IndexEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return IndexEntry{}, false
	}
	if e.Name == "" || e.Vers == "" {
		return IndexEntry{}, false
	}
	return e, true
}

// ReqFromArchiveName recovers a Req from a crate archive's base file name,
// "{name}-{version}.crate" (the shape every static.crates.io download URL
// and every object-store key ends in). Used by the bulk downloader to
// recover crate identity from a bare file name, the one place outside an
// index line that identity needs to be reconstructed.
func ReqFromArchiveName(base string) (Req, bool) {
	const ext = ".crate"
	if !strings.HasSuffix(base, ext) {
		return Req{}, false
	}
	stem := strings.TrimSuffix(base, ext)
	sep := strings.LastIndex(stem, "-")
	if sep <= 0 || sep == len(stem)-1 {
		return Req{}, false
	}
	return Req{Name: stem[:sep], Version: stem[sep+1:]}, true
}

// ParseIndexLine decodes one added index line into a Req. Lines that are
// not valid JSON objects, or that lack a name or a version, are
// dropped (ok=false) rather than erroring: a single malformed line must
// never abort an index diff.
func ParseIndexLine(line []byte) (Req, bool) {
	var e IndexEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return Req{}, false
	}
	if e.Name == "" || e.Vers == "" {
		return Req{}, false
	}
	return Req{Name: e.Name, Version: e.Vers}, true
}
